package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"branchscope/annotation"
	"branchscope/controllers"
	"branchscope/interaction"
	"branchscope/models"
	"branchscope/preview"
	"branchscope/syncbridge"
	"branchscope/utils"
)

// buildServices Connects the database and wires the manager, preview engine,
// input session and the optional sync bridge onto one event bus
func buildServices(ctx context.Context, config *utils.Config) (*controllers.Services, func(), error) {
	db, err := models.ConnectDataBase(config.Database.Driver, config.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	store := models.NewStore(db)

	bus := annotation.NewBus()
	manager := annotation.NewManager(store, bus, config.Limits())
	if err := manager.Load(ctx); err != nil {
		return nil, nil, err
	}

	engine := preview.NewEngine(store, preview.FileLoader{Root: config.Images.Root}, config.PreviewConfig())
	engine.TypeColor = func(typeID string) string {
		t, _ := manager.Registry().Get(typeID)
		return t.Color
	}
	bus.SubscribeAll(engine.HandleEvent)

	closers := []func(){engine.Close}
	if config.Sync.Enabled {
		pub, err := syncbridge.NewRedisPublisher(ctx, config.Sync.RedisAddr, config.Sync.Password, config.Sync.DB)
		if err != nil {
			// The engine works without the bridge.
			log.Warn(fmt.Sprintf("Sync bridge disabled: %s", err.Error()))
		} else {
			bridge := syncbridge.NewBridge(pub, config.Sync.Channel, syncbridge.DefaultQueueSize)
			bridge.Attach(bus)
			closers = append(closers, func() {
				if err := bridge.Close(); err != nil {
					log.Warn(fmt.Sprintf("Error closing sync bridge: %s", err.Error()))
				}
			})
		}
	}

	services := &controllers.Services{
		Store:   store,
		Manager: manager,
		Preview: engine,
		Session: interaction.NewSession(manager, bus),
		Config:  config,
	}
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return services, cleanup, nil
}

// openServices Loads the config and builds the services for a one-shot command
func openServices(cmd *cobra.Command) (*controllers.Services, func(), error) {
	config, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	config.Sync.Enabled = false
	return buildServices(cmd.Context(), config)
}

func exportCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every custom type and custom annotation as a JSON bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, cleanup, err := openServices(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			bundle, err := services.Manager.Export(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := json.MarshalIndent(bundle, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode bundle")
			}
			if output == "" || output == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
				return err
			}
			if err := os.WriteFile(output, raw, 0o644); err != nil {
				return errors.Wrapf(err, "write %s", output)
			}
			log.Info(fmt.Sprintf("Exported %d custom types and %d custom annotations to %s",
				len(bundle.CustomTypes), len(bundle.CustomAnnotations), output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty)")
	return cmd
}

func importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <bundle.json>",
		Short: "Merge an exported bundle; ids already present are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read %s", args[0])
			}
			var bundle annotation.Bundle
			if err := json.Unmarshal(raw, &bundle); err != nil {
				return errors.Wrapf(err, "decode %s", args[0])
			}

			services, cleanup, err := openServices(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := services.Manager.Import(cmd.Context(), bundle)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"types: %d added, %d skipped; annotations: %d added, %d skipped, %d orders reassigned\n",
				report.TypesAdded, report.TypesSkipped, report.AnnotationsAdded, report.AnnotationsSkipped, report.OrdersReassigned)
			return err
		},
	}
}

func repairCommand() *cobra.Command {
	var imageIDs []string
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Persist annotationType on legacy records",
		Long: `Legacy records without annotationType are migrated in memory every time they
are loaded. repair writes the migrated form back so the migration stops running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, cleanup, err := openServices(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ids := imageIDs
			if len(ids) == 0 {
				if ids, err = services.Store.AnnotatedImages(cmd.Context()); err != nil {
					return err
				}
			}
			total := 0
			for _, id := range ids {
				n, err := services.Manager.RepairLegacy(cmd.Context(), id)
				if err != nil {
					return errors.Wrapf(err, "repair image %s", id)
				}
				total += n
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "repaired %d records on %d images\n", total, len(ids))
			return err
		},
	}
	cmd.Flags().StringSliceVar(&imageIDs, "image", nil, "Image ids to repair (all annotated images when empty)")
	return cmd
}

func registerCommand() *cobra.Command {
	var (
		id, plant, view, capturedAt string
	)
	cmd := &cobra.Command{
		Use:   "register <path>",
		Short: "Register an image of a series",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			captured := time.Now()
			if capturedAt != "" {
				t, err := time.Parse(time.RFC3339, capturedAt)
				if err != nil {
					return errors.Wrap(err, "captured-at must be RFC 3339")
				}
				captured = t
			}
			if id == "" {
				id = args[0]
			}

			services, cleanup, err := openServices(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			img := models.Image{ID: id, PlantID: plant, ViewAngle: view, CapturedAt: captured, Path: args[0]}
			if err := services.Store.SaveImage(cmd.Context(), img); err != nil {
				return err
			}
			ic, err := services.Store.ImageContext(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s as #%d of %s/%s\n", id, ic.Index, plant, view)
			return err
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Image id (the path when empty)")
	cmd.Flags().StringVar(&plant, "plant", "", "Plant id")
	cmd.Flags().StringVar(&view, "view", "", "View angle")
	cmd.Flags().StringVar(&capturedAt, "captured-at", "", "Capture time, RFC 3339 (now when empty)")
	_ = cmd.MarkFlagRequired("plant")
	return cmd
}
