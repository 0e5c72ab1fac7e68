package forest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"strconv"
	"strings"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// commandRunner executes a node CLI command and returns its combined output.
// Swappable so tests can run without the forest binaries installed.
type commandRunner func(ctx context.Context, env []string, bin string, args ...string) (string, error)

func execCommand(ctx context.Context, env []string, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", bin, err)
	}
	return string(out), nil
}

// apiInfo builds the FULLNODE_API_INFO value the forest binaries expect:
// "<token>:/ip4/<ip>/tcp/<port>/http".
func (n *Node) apiInfo() (string, error) {
	token, err := n.token()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(n.config.RPCEndpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse RPC endpoint: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "2345"
	}
	if ip := net.ParseIP(host); ip == nil {
		addrs, err := net.LookupHost(host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("failed to resolve node host %q: %w", host, err)
		}
		host = addrs[0]
	}
	return fmt.Sprintf("%s:/ip4/%s/tcp/%s/http", token, host, port), nil
}

func (n *Node) commandEnv() ([]string, error) {
	info, err := n.apiInfo()
	if err != nil {
		return nil, err
	}
	return []string{"FULLNODE_API_INFO=" + info, "RUST_LOG=info"}, nil
}

// ComputeState materializes chain state for count epochs starting at start.
func (n *Node) ComputeState(ctx context.Context, start, count uint64) error {
	env, err := n.commandEnv()
	if err != nil {
		return fmt.Errorf("%w: %w", entity.ErrNodeUnavailable, err)
	}

	n.logger.Debug("computing state", "start", start, "count", count)
	out, err := n.runCommand(ctx, env, n.config.CLIPath,
		"state", "compute",
		"--epoch", strconv.FormatUint(start, 10),
		"--n-epochs", strconv.FormatUint(count, 10),
	)
	if err != nil {
		n.logCommandOutput(out)
		return fmt.Errorf("%w: state compute [%d, %d): %w", entity.ErrNodeUnavailable, start, start+count, err)
	}
	return nil
}

// ExportSnapshot drives the node to write a snapshot file. A failed export
// may leave a partial file at req.OutputPath; the caller removes it.
func (n *Node) ExportSnapshot(ctx context.Context, req outbound.ExportRequest) error {
	env, err := n.commandEnv()
	if err != nil {
		return fmt.Errorf("%w: %w", entity.ErrNodeUnavailable, err)
	}

	args := []string{
		"snapshot", "export",
		"--tipset", strconv.FormatUint(req.EndEpoch, 10),
		"--depth", strconv.FormatUint(req.Depth, 10),
		"--format", req.Format,
		"--output-path", req.OutputPath,
	}
	if req.Diff {
		args = append(args,
			"--diff", strconv.FormatUint(req.DiffBase, 10),
			"--diff-depth", strconv.FormatUint(req.DiffDepth, 10),
		)
	}
	if req.SourcePath != "" {
		args = append(args, req.SourcePath)
	}

	n.logger.Info("exporting snapshot", "endEpoch", req.EndEpoch, "depth", req.Depth, "diff", req.Diff, "output", req.OutputPath)
	out, err := n.runCommand(ctx, env, n.config.CLIPath, args...)
	if err != nil {
		n.logCommandOutput(out)
		return fmt.Errorf("%w: export to %s: %w", entity.ErrExportFailed, req.OutputPath, err)
	}
	return nil
}

// ExportArchive writes a full archive snapshot anchored at epoch via
// forest-tool. Lite and diff exports are cut from the resulting file.
func (n *Node) ExportArchive(ctx context.Context, epoch uint64, outputPath string) error {
	env, err := n.commandEnv()
	if err != nil {
		return fmt.Errorf("%w: %w", entity.ErrNodeUnavailable, err)
	}

	n.logger.Info("exporting archive snapshot", "epoch", epoch, "output", outputPath)
	out, err := n.runCommand(ctx, env, n.config.ToolPath,
		"archive", "export",
		"--epoch", strconv.FormatUint(epoch, 10),
		"--output-path", outputPath,
	)
	if err != nil {
		n.logCommandOutput(out)
		return fmt.Errorf("%w: archive export to %s: %w", entity.ErrExportFailed, outputPath, err)
	}
	return nil
}

// ArchiveInfo re-derives snapshot metadata from the file itself via
// forest-tool, merging the "archive info" and "archive metadata" outputs.
func (n *Node) ArchiveInfo(ctx context.Context, path string) (outbound.ArchiveMetadata, error) {
	env, err := n.commandEnv()
	if err != nil {
		return outbound.ArchiveMetadata{}, fmt.Errorf("%w: %w", entity.ErrNodeUnavailable, err)
	}

	info, err := n.runCommand(ctx, env, n.config.ToolPath, "archive", "info", path)
	if err != nil {
		return outbound.ArchiveMetadata{}, fmt.Errorf("%w: archive info %s: %w", entity.ErrValidationFailed, path, err)
	}
	metadata, err := n.runCommand(ctx, env, n.config.ToolPath, "archive", "metadata", path)
	if err != nil {
		return outbound.ArchiveMetadata{}, fmt.Errorf("%w: archive metadata %s: %w", entity.ErrValidationFailed, path, err)
	}

	return parseArchiveOutput(info, metadata)
}

func (n *Node) logCommandOutput(out string) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			n.logger.Error(line)
		}
	}
}
