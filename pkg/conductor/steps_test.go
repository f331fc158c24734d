package conductor

import (
	"testing"

	"github.com/quarry-sh/quarry/pkg/baremetal"
	"github.com/quarry-sh/quarry/pkg/drivers"
)

func TestBuildPlanOrdersByPriority(t *testing.T) {
	d := newScriptDriver()
	d.cleanSteps = []drivers.Step{
		{Kind: baremetal.IfaceManagement, Name: "update_firmware", Priority: 10},
		{Kind: baremetal.IfaceManagement, Name: "rebuild_raid", Priority: 0},
		{Kind: baremetal.IfaceManagement, Name: "erase_disks", Priority: 30},
		{Kind: baremetal.IfaceManagement, Name: "reset_bios", Priority: 20},
	}
	bound := drivers.BoundSet{
		baremetal.IfacePower:      d,
		baremetal.IfaceManagement: d,
		baremetal.IfaceDeploy:     d,
	}

	plan := BuildPlan(drivers.PhaseClean, bound, &baremetal.Node{ID: "n1"})

	want := []string{"erase_disks", "reset_bios", "update_firmware"}
	if len(plan.Steps) != len(want) {
		t.Fatalf("expected %d steps (priority 0 skipped), got %d", len(want), len(plan.Steps))
	}
	for i, name := range want {
		if plan.Steps[i].Name != name {
			t.Fatalf("step %d: want %s, got %s", i, name, plan.Steps[i].Name)
		}
	}
	if plan.Cursor != 0 {
		t.Fatalf("new plan must start at cursor 0, got %d", plan.Cursor)
	}
}

func TestBuildPlanTieBreakByInterfacePrecedence(t *testing.T) {
	power := newScriptDriver()
	power.name = "pwr"
	power.cleanSteps = []drivers.Step{
		{Kind: baremetal.IfacePower, Name: "power_cycle", Priority: 50},
	}
	deploy := newScriptDriver()
	deploy.name = "dep"
	deploy.cleanSteps = []drivers.Step{
		{Kind: baremetal.IfaceDeploy, Name: "wipe_metadata", Priority: 50},
	}
	mgmt := newScriptDriver()
	mgmt.name = "mgmt"
	mgmt.cleanSteps = []drivers.Step{
		{Kind: baremetal.IfaceManagement, Name: "reset_bmc", Priority: 50},
	}
	bound := drivers.BoundSet{
		baremetal.IfaceDeploy:     deploy,
		baremetal.IfacePower:      power,
		baremetal.IfaceManagement: mgmt,
	}

	plan := BuildPlan(drivers.PhaseClean, bound, &baremetal.Node{ID: "n1"})

	want := []string{"power_cycle", "reset_bmc", "wipe_metadata"}
	for i, name := range want {
		if plan.Steps[i].Name != name {
			t.Fatalf("precedence order broken at %d: want %s, got %s", i, name, plan.Steps[i].Name)
		}
	}
}

func TestBuildManualPlanKeepsRequestedOrder(t *testing.T) {
	d := newScriptDriver()
	d.cleanSteps = []drivers.Step{
		{Kind: baremetal.IfaceManagement, Name: "erase_disks", Priority: 30},
		{Kind: baremetal.IfaceManagement, Name: "update_firmware", Priority: 10},
	}
	bound := drivers.BoundSet{baremetal.IfaceManagement: d}

	plan, err := BuildManualPlan(drivers.PhaseClean, bound, &baremetal.Node{ID: "n1"}, []drivers.Step{
		{Kind: baremetal.IfaceManagement, Name: "update_firmware", Args: map[string]string{"version": "2.1"}},
		{Kind: baremetal.IfaceManagement, Name: "erase_disks"},
	})
	if err != nil {
		t.Fatalf("BuildManualPlan failed: %v", err)
	}
	if !plan.Manual {
		t.Fatal("manual plan not flagged manual")
	}
	if plan.Steps[0].Name != "update_firmware" || plan.Steps[1].Name != "erase_disks" {
		t.Fatalf("requested order not kept: %+v", plan.Steps)
	}
	if plan.Steps[0].Args["version"] != "2.1" {
		t.Fatal("caller args not carried into the plan")
	}
}

func TestBuildManualPlanRejectsUnknownStep(t *testing.T) {
	d := newScriptDriver()
	bound := drivers.BoundSet{baremetal.IfaceManagement: d}

	_, err := BuildManualPlan(drivers.PhaseClean, bound, &baremetal.Node{ID: "n1"}, []drivers.Step{
		{Kind: baremetal.IfaceManagement, Name: "no_such_step"},
	})
	if err == nil {
		t.Fatal("expected unknown step to be rejected")
	}
}

func TestPlanPersistence(t *testing.T) {
	n := &baremetal.Node{ID: "n1"}
	if _, ok := LoadPlan(n); ok {
		t.Fatal("empty scratch map should have no plan")
	}

	plan := &Plan{
		Phase:  drivers.PhaseDeploy,
		Steps:  []drivers.Step{{Kind: baremetal.IfaceDeploy, Name: "write_image", Priority: 100}},
		Cursor: 1,
	}
	StorePlan(n, plan)

	loaded, ok := LoadPlan(n)
	if !ok {
		t.Fatal("stored plan not loadable")
	}
	if loaded.Phase != drivers.PhaseDeploy || loaded.Cursor != 1 || len(loaded.Steps) != 1 {
		t.Fatalf("plan did not round-trip: %+v", loaded)
	}

	ClearPlan(n)
	if _, ok := LoadPlan(n); ok {
		t.Fatal("plan survives ClearPlan")
	}
}
