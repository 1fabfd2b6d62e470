package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var reviewIDsFile string

// reviewImagesCmd accepts or deletes uploaded images in bulk. IDs come
// from the arguments or from a file of comma separated values; stray
// non-numeric tokens in the file are skipped so exported spreadsheets
// can be fed in directly.
var reviewImagesCmd = &cobra.Command{
	Use:   "review-images <accept|delete> [id ...]",
	Short: "Accept or delete uploaded images by ID",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var accept bool
		switch args[0] {
		case "accept":
			accept = true
		case "delete":
			accept = false
		default:
			return fmt.Errorf("unknown action %q (want accept or delete)", args[0])
		}

		ids, err := collectImageIDs(args[1:], reviewIDsFile)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("no image IDs given")
		}

		ctx := context.Background()
		svcs, err := buildServices(ctx)
		if err != nil {
			return err
		}
		defer svcs.close()

		changed, err := svcs.service.ReviewImages(ctx, accept, ids)
		if err != nil {
			return err
		}
		fmt.Printf("%d of %d images changed\n", changed, len(ids))
		return nil
	},
}

func init() {
	reviewImagesCmd.Flags().StringVar(&reviewIDsFile, "ids-file", "", "file of comma separated image IDs")
}

func collectImageIDs(args []string, path string) ([]int64, error) {
	tokens := append([]string(nil), args...)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read ids file: %w", err)
		}
		tokens = append(tokens, strings.Split(string(raw), ",")...)
	}

	var ids []int64
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
