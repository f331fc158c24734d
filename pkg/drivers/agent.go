package drivers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/quarry-sh/quarry/pkg/baremetal"
)

// agentAddressProperty is the node property holding the address the
// provisioning network exposes for the ramdisk agent.
const agentAddressProperty = "agent_address"

// AgentConfig carries the conductor-side settings for the agent driver.
type AgentConfig struct {
	// CallbackURL is the base URL agents report lookup/heartbeat to.
	CallbackURL string
	// Bundle is the agent payload pushed to nodes before launch.
	Bundle []byte
	// LaunchTimeout bounds a single SSH command.
	LaunchTimeout time.Duration
}

// Agent drives deploy and clean steps through a helper process running on the
// managed hardware. Steps are dispatched over SSH and complete asynchronously
// via the heartbeat channel.
type Agent struct {
	cfg AgentConfig
}

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.LaunchTimeout == 0 {
		cfg.LaunchTimeout = 5 * time.Minute
	}
	return &Agent{cfg: cfg}
}

func (a *Agent) Name() string { return "agent" }

func (a *Agent) Kinds() []baremetal.IfaceKind {
	return []baremetal.IfaceKind{baremetal.IfaceDeploy, baremetal.IfaceStorage}
}

func (a *Agent) Validate(n *baremetal.Node) error {
	var missing []string
	if strings.TrimSpace(n.Properties[agentAddressProperty]) == "" {
		missing = append(missing, "properties."+agentAddressProperty)
	}
	if strings.TrimSpace(n.SSHUsername) == "" {
		missing = append(missing, "sshUsername")
	}
	if strings.TrimSpace(n.SSHPrivateKey) == "" {
		missing = append(missing, "sshPrivateKey")
	}
	if len(missing) > 0 {
		return &MissingConfigurationError{Driver: a.Name(), NodeID: n.ID, Missing: missing}
	}
	return nil
}

func (a *Agent) Steps(phase Phase, n *baremetal.Node) []Step {
	switch phase {
	case PhaseClean:
		return []Step{
			{Kind: baremetal.IfaceDeploy, Name: "erase_devices", Priority: 10, Destructive: true},
		}
	case PhaseDeploy:
		return []Step{
			{Kind: baremetal.IfaceDeploy, Name: "write_image", Priority: 100, Destructive: true},
			{Kind: baremetal.IfaceDeploy, Name: "install_bootloader", Priority: 50},
		}
	}
	return nil
}

// ExecuteStep pushes the agent and its job file to the node and launches it.
// Completion always arrives later through a heartbeat, so the outcome is Wait.
func (a *Agent) ExecuteStep(ctx context.Context, n *baremetal.Node, step Step) (Outcome, error) {
	client, err := a.dial(n)
	if err != nil {
		return Done, fmt.Errorf("dial node %s: %w", n.ID, err)
	}
	defer client.Close()

	if len(a.cfg.Bundle) > 0 {
		if err := pushFile(client, "/opt/quarry/agent", a.cfg.Bundle, 0o755); err != nil {
			return Done, fmt.Errorf("upload agent: %w", err)
		}
	}

	job, err := a.jobFile(n, step)
	if err != nil {
		return Done, err
	}
	if err := pushFile(client, "/etc/quarry/job.yaml", job, 0o600); err != nil {
		return Done, fmt.Errorf("upload job file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.LaunchTimeout)
	defer cancel()
	if _, err := runCommand(runCtx, client, "/opt/quarry/agent run --job /etc/quarry/job.yaml --detach"); err != nil {
		return Done, fmt.Errorf("launch agent step %s: %w", step.Name, err)
	}
	return Wait, nil
}

// agentJob is the YAML document the on-node agent consumes.
type agentJob struct {
	NodeID      string            `yaml:"node_id"`
	Step        string            `yaml:"step"`
	Args        map[string]string `yaml:"args,omitempty"`
	CallbackURL string            `yaml:"callback_url"`
	InstanceURL string            `yaml:"instance_url,omitempty"`
}

func (a *Agent) jobFile(n *baremetal.Node, step Step) ([]byte, error) {
	job := agentJob{
		NodeID:      n.ID,
		Step:        step.Name,
		Args:        step.Args,
		CallbackURL: a.cfg.CallbackURL,
		InstanceURL: n.InstanceInfo["image_url"],
	}
	out, err := yaml.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("render job file: %w", err)
	}
	return out, nil
}

func (a *Agent) dial(n *baremetal.Node) (*ssh.Client, error) {
	signer, err := ssh.ParsePrivateKey([]byte(n.SSHPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", n.Properties[agentAddressProperty], n.SSHPort)
	config := &ssh.ClientConfig{
		User:            n.SSHUsername,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	return ssh.Dial("tcp", addr, config)
}

func pushFile(client *ssh.Client, remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	dir := dirName(remotePath)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return err
	}

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func runCommand(ctx context.Context, client *ssh.Client, command string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

func dirName(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return "."
	}
	return path[:idx]
}
