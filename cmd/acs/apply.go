package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/acs/pkg/localcache"
	"github.com/cuemby/acs/pkg/lock"
	"github.com/cuemby/acs/pkg/manager"
	"github.com/cuemby/acs/pkg/storage"
	"github.com/cuemby/acs/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Write presets, provisions, virtual parameters, files, config entries
and tasks from a YAML file. A file may hold several documents.

Examples:
  # Apply presets and their provision scripts
  acs apply -f presets.yaml

  # Queue a task for one device
  acs apply -f reboot.yaml --postgres-dsn postgres://acs@db/acs`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of an apply file
type Resource struct {
	Kind string    `yaml:"kind"`
	Spec yaml.Node `yaml:"spec"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stores, err := manager.OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	n, err := applyResources(ctx, stores.Durable, f, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if n > 0 {
		if err := invalidateSnapshot(ctx, stores); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Applied %d resource(s)\n", n)
	return nil
}

// invalidateSnapshot makes running servers rebuild their configuration
// snapshot on the next lookup
func invalidateSnapshot(ctx context.Context, stores *manager.Stores) error {
	snapshots := localcache.New(stores.Durable, stores.Cache, lock.NewManager(stores.Locks))
	return snapshots.Invalidate(ctx)
}

// applyResources writes every document read from r and returns how many
// configuration objects changed
func applyResources(ctx context.Context, store storage.Store, r io.Reader, out io.Writer) (int, error) {
	dec := yaml.NewDecoder(r)
	changed := 0
	for i := 0; ; i++ {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			return changed, nil
		}
		if err != nil {
			return changed, fmt.Errorf("failed to parse document %d: %w", i, err)
		}

		name, config, err := applyResource(ctx, store, &res)
		if err != nil {
			return changed, fmt.Errorf("document %d (%s): %w", i, res.Kind, err)
		}
		if config {
			changed++
		}
		fmt.Fprintf(out, "✓ %s applied: %s\n", res.Kind, name)
	}
}

// applyResource stores one document. config reports whether it is part of
// the configuration snapshot.
func applyResource(ctx context.Context, store storage.Store, res *Resource) (name string, config bool, err error) {
	switch res.Kind {
	case "Preset":
		var p types.Preset
		if err := res.Spec.Decode(&p); err != nil {
			return "", false, err
		}
		if p.Name == "" {
			return "", false, fmt.Errorf("preset name is required")
		}
		return p.Name, true, store.SavePreset(ctx, &p)

	case "Provision", "VirtualParameter":
		var s types.Script
		if err := res.Spec.Decode(&s); err != nil {
			return "", false, err
		}
		if s.Name == "" {
			return "", false, fmt.Errorf("script name is required")
		}
		if res.Kind == "Provision" {
			return s.Name, true, store.SaveProvision(ctx, &s)
		}
		return s.Name, true, store.SaveVirtualParameter(ctx, &s)

	case "File":
		var file types.File
		if err := res.Spec.Decode(&file); err != nil {
			return "", false, err
		}
		if file.ID == "" || file.URL == "" {
			return "", false, fmt.Errorf("file id and url are required")
		}
		return file.ID, true, store.SaveFile(ctx, &file)

	case "Config":
		var entry types.ConfigEntry
		if err := res.Spec.Decode(&entry); err != nil {
			return "", false, err
		}
		if entry.Key == "" {
			return "", false, fmt.Errorf("config key is required")
		}
		return entry.Key, true, store.SaveConfig(ctx, &entry)

	case "Task":
		var task types.Task
		if err := res.Spec.Decode(&task); err != nil {
			return "", false, err
		}
		if task.Device == "" || task.Name == "" {
			return "", false, fmt.Errorf("task device and name are required")
		}
		if task.ID == "" {
			task.ID = uuid.New().String()
		}
		if task.Timestamp == 0 {
			task.Timestamp = time.Now().UnixMilli()
		}
		return task.ID, false, store.CreateTask(ctx, &task)

	default:
		return "", false, fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
}
