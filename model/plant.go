package model

// PlantLoop is a hydronic loop supplying heating or cooling to coils.
type PlantLoop struct {
	ID       string
	Name     string
	Capacity float64 // W

	Demand   float64 // W requested by connected coils
	Supplied float64 // W delivered after capacity limits
}

// ElectricCircuit is an on-site electric load centre with generation and
// storage.
type ElectricCircuit struct {
	ID                 string
	Name               string
	GenerationCapacity float64 // W
	StorageCapacity    float64 // J

	Demand       float64 // W
	Generated    float64 // W
	StorageLevel float64 // J
	Purchased    float64 // W
}
