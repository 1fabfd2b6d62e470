package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var rescoreSave bool

// rescoreCmd recomputes every active annotation's score from the
// current label priority table. Without --save it only reports drift,
// so it is safe to run after editing the table to preview the effect.
var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Recompute annotation scores from the label priority table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		svcs, err := buildServices(ctx)
		if err != nil {
			return err
		}
		defer svcs.close()

		drifts, err := svcs.service.Rescore(ctx, rescoreSave)
		if err != nil {
			return err
		}
		for _, d := range drifts {
			fmt.Printf("annotation %d (user %d): %g -> %g\n", d.AnnotationID, d.Annotator, d.Old, d.New)
		}
		if rescoreSave {
			fmt.Printf("updated %d annotations\n", len(drifts))
		} else {
			fmt.Printf("%d annotations would change (run with --save to apply)\n", len(drifts))
		}
		return nil
	},
}

func init() {
	rescoreCmd.Flags().BoolVar(&rescoreSave, "save", false, "write recomputed scores to the database")
}
