package drivers

import (
	"errors"
	"strings"
	"testing"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewFake())
	r.Register(NewAgent(AgentConfig{CallbackURL: "http://conductor:8080/v1/agent"}))
	return r
}

func fullBindings() map[baremetal.IfaceKind]string {
	return map[baremetal.IfaceKind]string{
		baremetal.IfacePower:      "fake",
		baremetal.IfaceManagement: "fake",
		baremetal.IfaceDeploy:     "agent",
	}
}

func TestResolveBindings(t *testing.T) {
	r := testRegistry()

	bound, err := r.Resolve(fullBindings())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if bound[baremetal.IfaceDeploy].Name() != "agent" {
		t.Fatalf("deploy bound to %s, want agent", bound[baremetal.IfaceDeploy].Name())
	}
	if _, ok := bound.Power(); !ok {
		t.Fatal("fake power binding must expose power control")
	}
}

func TestResolveRequiresMandatoryKinds(t *testing.T) {
	r := testRegistry()

	bindings := fullBindings()
	delete(bindings, baremetal.IfacePower)
	if _, err := r.Resolve(bindings); err == nil {
		t.Fatal("expected missing power binding to be rejected")
	}
}

func TestResolveUnknownDriver(t *testing.T) {
	r := testRegistry()

	bindings := fullBindings()
	bindings[baremetal.IfaceDeploy] = "ipmi"
	if _, err := r.Resolve(bindings); err == nil {
		t.Fatal("expected unknown driver name to be rejected")
	}

	// The agent driver does not service the power kind.
	bindings = fullBindings()
	bindings[baremetal.IfacePower] = "agent"
	if _, err := r.Resolve(bindings); err == nil {
		t.Fatal("expected kind mismatch to be rejected")
	}
}

func TestRegistryNames(t *testing.T) {
	r := testRegistry()

	names := r.Names()
	seen := make(map[string]int)
	for _, name := range names {
		seen[name]++
	}
	if seen["fake"] != 1 || seen["agent"] != 1 {
		t.Fatalf("expected deduplicated names fake and agent, got %v", names)
	}
}

func TestAgentValidate(t *testing.T) {
	a := NewAgent(AgentConfig{})

	err := a.Validate(&baremetal.Node{ID: "n1"})
	var missing *MissingConfigurationError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingConfigurationError, got %v", err)
	}
	if len(missing.Missing) != 3 {
		t.Fatalf("expected three missing fields, got %v", missing.Missing)
	}

	ok := &baremetal.Node{
		ID:            "n1",
		Properties:    map[string]string{"agent_address": "10.0.0.5"},
		SSHUsername:   "provision",
		SSHPrivateKey: "key-material",
	}
	if err := a.Validate(ok); err != nil {
		t.Fatalf("expected fully configured node to validate, got %v", err)
	}
}

func TestAgentJobFile(t *testing.T) {
	a := NewAgent(AgentConfig{CallbackURL: "http://conductor:8080/v1/agent"})
	node := &baremetal.Node{
		ID:           "n1",
		InstanceInfo: map[string]string{"image_url": "http://images/ubuntu.qcow2"},
	}

	out, err := a.jobFile(node, Step{
		Kind: baremetal.IfaceDeploy,
		Name: "write_image",
		Args: map[string]string{"target": "/dev/sda"},
	})
	if err != nil {
		t.Fatalf("jobFile failed: %v", err)
	}

	payload := string(out)
	for _, want := range []string{
		"node_id: n1",
		"step: write_image",
		"target: /dev/sda",
		"callback_url: http://conductor:8080/v1/agent",
		"instance_url: http://images/ubuntu.qcow2",
	} {
		if !strings.Contains(payload, want) {
			t.Fatalf("job file missing %q:\n%s", want, payload)
		}
	}
}
