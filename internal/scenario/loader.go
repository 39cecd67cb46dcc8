// Package scenario loads an HCL building description into a model store and
// provides simple reference simulators for every HVAC subsystem, so the
// convergence controller can be run end to end.
package scenario

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/signalsfoundry/hvac-convergence/core"
	"github.com/signalsfoundry/hvac-convergence/internal/logging"
	"github.com/signalsfoundry/hvac-convergence/kb"
	"github.com/signalsfoundry/hvac-convergence/model"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// cfmToKgPerSecond converts standard cubic feet per minute of air to kg/s.
const cfmToKgPerSecond = 0.00047194745 * 1.2041

// fileRoot is the top level of a scenario file.
type fileRoot struct {
	Name         string              `hcl:"name,optional"`
	PlantLoops   []*plantLoopBlock   `hcl:"plant_loop,block"`
	AirSystems   []*airSystemBlock   `hcl:"air_system,block"`
	Zones        []*zoneBlock        `hcl:"zone,block"`
	ZoneGroups   []*zoneGroupBlock   `hcl:"zone_group,block"`
	Circuits     []*circuitBlock     `hcl:"electric_circuit,block"`
	Environments []*environmentBlock `hcl:"environment,block"`
}

type plantLoopBlock struct {
	ID       string  `hcl:"id,label"`
	Name     string  `hcl:"name,optional"`
	Capacity float64 `hcl:"capacity"`
	COP      float64 `hcl:"cop,optional"`
}

type airSystemBlock struct {
	ID            string   `hcl:"id,label"`
	Name          string   `hcl:"name,optional"`
	Decks         int      `hcl:"decks,optional"`
	DesignMaxFlow float64  `hcl:"design_max_flow"`
	DesignMinFlow float64  `hcl:"design_min_flow,optional"`
	SupplyAirTemp *float64 `hcl:"supply_air_temp,optional"`
	PlantLoop     string   `hcl:"plant_loop,optional"`
	FanPower      float64  `hcl:"fan_power,optional"`
	Oscillation   float64  `hcl:"oscillation,optional"`
}

type zoneBlock struct {
	ID            string    `hcl:"id,label"`
	Name          string    `hcl:"name,optional"`
	AirSystem     string    `hcl:"air_system,optional"`
	Deck          int       `hcl:"deck,optional"`
	Controlled    *bool     `hcl:"controlled,optional"`
	Multiplier    int       `hcl:"multiplier,optional"`
	SensibleLoad  float64   `hcl:"sensible_load,optional"`
	LatentLoad    float64   `hcl:"latent_load,optional"`
	LoadProfile   []float64 `hcl:"load_profile,optional"`
	DesignMaxFlow float64   `hcl:"design_max_flow,optional"`
	MinFlow       float64   `hcl:"min_flow,optional"`
	ExhaustFlow   float64   `hcl:"exhaust_flow,optional"`
	Temp          *float64  `hcl:"temp,optional"`
	HumRat        *float64  `hcl:"hum_rat,optional"`
}

type zoneGroupBlock struct {
	Name       string   `hcl:"name,label"`
	Multiplier int      `hcl:"multiplier,optional"`
	Zones      []string `hcl:"zones"`
}

type circuitBlock struct {
	ID                 string  `hcl:"id,label"`
	Name               string  `hcl:"name,optional"`
	BaseLoad           float64 `hcl:"base_load,optional"`
	GenerationCapacity float64 `hcl:"generation_capacity,optional"`
	StorageCapacity    float64 `hcl:"storage_capacity,optional"`
}

type environmentBlock struct {
	Name            string `hcl:"name,label"`
	Start           string `hcl:"start"`
	Timesteps       int    `hcl:"timesteps"`
	WarmupTimesteps int    `hcl:"warmup_timesteps,optional"`
}

// Scenario is a loaded building with the environments to simulate.
type Scenario struct {
	Name         string
	Path         string
	KB           *kb.KnowledgeBase
	Building     *Building
	Environments []core.Environment
}

// Option tunes scenario loading.
type Option func(*options)

type options struct {
	timestep time.Duration
}

// WithTimestep sets the zone timestep length. It drives the
// timesteps_per_day variable and electric storage accounting.
func WithTimestep(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timestep = d
		}
	}
}

// LoadFile parses and builds the scenario stored at path.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Scenario, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	return Parse(ctx, src, path, opts...)
}

// Parse builds a scenario from HCL source. filename is used in diagnostics.
func Parse(ctx context.Context, src []byte, filename string, opts ...Option) (*Scenario, error) {
	o := options{timestep: 15 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = logging.Noop()
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse scenario %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, evalContext(o.timestep), &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode scenario %s: %w", filename, diags)
	}

	sc, err := build(&root, o)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", filename, err)
	}
	sc.Path = filename

	log.Debug(ctx, "scenario loaded",
		logging.String("path", filename),
		logging.Int("air_systems", len(root.AirSystems)),
		logging.Int("zones", len(root.Zones)),
		logging.Int("environments", len(sc.Environments)),
	)
	return sc, nil
}

// evalContext exposes helper variables and functions to scenario
// expressions.
func evalContext(timestep time.Duration) *hcl.EvalContext {
	perDay := int64((24 * time.Hour) / timestep)
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"timesteps_per_day": cty.NumberIntVal(perDay),
		},
		Functions: map[string]function.Function{
			"min": stdlib.MinFunc,
			"max": stdlib.MaxFunc,
			"cfm": cfmFunc,
		},
	}
}

// cfmFunc converts an airflow in cfm to kg/s.
var cfmFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "cfm", Type: cty.Number}},
	Type:   function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		v := new(big.Float).Mul(args[0].AsBigFloat(), big.NewFloat(cfmToKgPerSecond))
		return cty.NumberVal(v), nil
	},
})

func build(root *fileRoot, o options) (*Scenario, error) {
	store := kb.NewKnowledgeBase()
	b := newBuilding(store, o.timestep)

	for _, p := range root.PlantLoops {
		if p.Capacity <= 0 {
			return nil, fmt.Errorf("plant loop %q: capacity must be positive", p.ID)
		}
		if err := store.AddPlantLoop(&model.PlantLoop{ID: p.ID, Name: p.Name, Capacity: p.Capacity}); err != nil {
			return nil, err
		}
		cop := p.COP
		if cop <= 0 {
			cop = defaultPlantCOP
		}
		b.plantCOP[p.ID] = cop
	}

	for _, a := range root.AirSystems {
		if err := addAirSystem(store, b, a); err != nil {
			return nil, err
		}
	}

	for _, z := range root.Zones {
		if err := addZone(store, b, z); err != nil {
			return nil, err
		}
	}

	for _, g := range root.ZoneGroups {
		if err := store.AddZoneGroup(&model.ZoneGroup{Name: g.Name, Multiplier: g.Multiplier, Zones: g.Zones}); err != nil {
			return nil, err
		}
	}

	for _, c := range root.Circuits {
		if err := store.AddElectricCircuit(&model.ElectricCircuit{
			ID:                 c.ID,
			Name:               c.Name,
			GenerationCapacity: c.GenerationCapacity,
			StorageCapacity:    c.StorageCapacity,
		}); err != nil {
			return nil, err
		}
		b.baseLoads[c.ID] = c.BaseLoad
	}

	envs := make([]core.Environment, 0, len(root.Environments))
	for _, e := range root.Environments {
		start, err := time.Parse(time.RFC3339, e.Start)
		if err != nil {
			return nil, fmt.Errorf("environment %q: start: %w", e.Name, err)
		}
		if e.Timesteps < 1 || e.WarmupTimesteps < 0 {
			return nil, fmt.Errorf("environment %q: needs at least one timestep and no negative warmup", e.Name)
		}
		envs = append(envs, core.Environment{
			Name:            e.Name,
			Start:           start,
			Timesteps:       e.Timesteps,
			WarmupTimesteps: e.WarmupTimesteps,
		})
	}
	if len(envs) == 0 {
		return nil, fmt.Errorf("no environment defined")
	}

	return &Scenario{Name: root.Name, KB: store, Building: b, Environments: envs}, nil
}

func addAirSystem(store *kb.KnowledgeBase, b *Building, a *airSystemBlock) error {
	decks := a.Decks
	if decks == 0 {
		decks = 1
	}
	if decks < 1 || decks > 2 {
		return fmt.Errorf("air system %q: decks must be 1 or 2, got %d", a.ID, decks)
	}
	sat := defaultSupplyAirTemp
	if a.SupplyAirTemp != nil {
		sat = *a.SupplyAirTemp
	}

	sys := &model.AirSystem{
		ID:               a.ID,
		Name:             a.Name,
		DesignMaxFlow:    a.DesignMaxFlow,
		DesignMinFlow:    a.DesignMinFlow,
		SupplyAirTemp:    sat,
		SupplyInletNode:  a.ID + "-return",
		DemandOutletNode: a.ID + "-demand-out",
		PlantLoopID:      a.PlantLoop,
	}
	nodes := []*model.Node{{ID: sys.SupplyInletNode}, {ID: sys.DemandOutletNode}}
	for d := 1; d <= decks; d++ {
		supply := &model.Node{
			ID:                   fmt.Sprintf("%s-supply-%d", a.ID, d),
			MassFlowRateMax:      a.DesignMaxFlow,
			MassFlowRateMaxAvail: a.DesignMaxFlow,
		}
		demand := &model.Node{ID: fmt.Sprintf("%s-demand-in-%d", a.ID, d)}
		sys.SupplyOutletNodes = append(sys.SupplyOutletNodes, supply.ID)
		sys.DemandInletNodes = append(sys.DemandInletNodes, demand.ID)
		nodes = append(nodes, supply, demand)
	}
	for _, n := range nodes {
		n.Name = n.ID
		if err := store.AddNode(n); err != nil {
			return err
		}
	}
	if err := store.AddAirSystem(sys); err != nil {
		return err
	}
	b.systems[sys.ID] = &airSystemState{
		fanPower:    a.FanPower,
		oscillation: a.Oscillation,
		ratio:       1,
	}
	return nil
}

func addZone(store *kb.KnowledgeBase, b *Building, z *zoneBlock) error {
	zone := &model.Zone{
		ID:         z.ID,
		Name:       z.Name,
		Multiplier: z.Multiplier,
		Controlled: z.AirSystem != "",
		Temp:       defaultZoneTemp,
		HumRat:     defaultZoneHumRat,
	}
	if z.Controlled != nil {
		zone.Controlled = *z.Controlled
	}
	if z.Temp != nil {
		zone.Temp = *z.Temp
	}
	if z.HumRat != nil {
		zone.HumRat = *z.HumRat
	}
	for _, f := range z.LoadProfile {
		if f < 0 {
			return fmt.Errorf("zone %q: load_profile factors must not be negative", z.ID)
		}
	}

	var inlet *model.Node
	if z.AirSystem != "" {
		inlet = &model.Node{ID: z.ID + "-inlet"}
		zone.InletNodes = []string{inlet.ID}
	}
	var exhaust *model.Node
	if z.ExhaustFlow > 0 {
		exhaust = &model.Node{ID: z.ID + "-exhaust"}
		zone.ExhaustNodes = []string{exhaust.ID}
	}
	for _, n := range []*model.Node{inlet, exhaust} {
		if n == nil {
			continue
		}
		n.Name = n.ID
		if err := store.AddNode(n); err != nil {
			return err
		}
	}
	if err := store.AddZone(zone); err != nil {
		return err
	}
	b.loads[zone.ID] = &zoneLoad{
		sensible: z.SensibleLoad,
		latent:   z.LatentLoad,
		profile:  z.LoadProfile,
		exhaust:  z.ExhaustFlow,
	}
	zone.SensibleDemand = z.SensibleLoad
	zone.LatentDemand = z.LatentLoad

	if inlet == nil {
		return nil
	}
	sys := store.GetAirSystem(z.AirSystem)
	if sys == nil {
		return fmt.Errorf("zone %q: air system %q not found", z.ID, z.AirSystem)
	}
	deck := z.Deck
	if deck == 0 {
		deck = 1
	}
	designMax := z.DesignMaxFlow
	if designMax <= 0 {
		designMax = sys.DesignMaxFlow
	}
	inlet.MassFlowRateMax = designMax
	inlet.MassFlowRateMin = z.MinFlow
	inlet.MassFlowRateMaxAvail = designMax
	return store.AddTerminalUnit(&model.TerminalUnit{
		ID:            z.ID + "-terminal",
		ZoneID:        z.ID,
		AirSystemID:   sys.ID,
		Deck:          deck - 1,
		InletNode:     inlet.ID,
		DesignMaxFlow: designMax,
		HardMinFlow:   z.MinFlow,
	})
}
