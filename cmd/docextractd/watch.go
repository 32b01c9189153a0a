package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joseph-ayodele/docextract/internal/entity"
	"github.com/joseph-ayodele/docextract/internal/server"
)

var watchAddr string

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream a job's progress from a running daemon over gRPC",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("job id must be a UUID: %w", err)
		}
		conn, err := grpc.NewClient(watchAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer conn.Close()

		out := cmd.OutOrStdout()
		return server.NewProgressClient(conn).Watch(cmd.Context(), id, func(s entity.Snapshot) {
			line := fmt.Sprintf("%3d%%  %-15s %s", s.Progress, s.Stage, s.StageText)
			if s.ErrorMessage != "" {
				line += "  error: " + s.ErrorMessage
			}
			fmt.Fprintln(out, line)
		})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "localhost:9090", "gRPC address of the daemon")
}
