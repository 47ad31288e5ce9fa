package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"confmesh/internal/segment"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket <seed> <value-json>",
	Short: "Print the segmentation bucket for a seed and context value",
	Long: `bucket computes the stable percentage bucket (0-99) a context value
hashes to under a seed. Use it to check which side of a percentage
override a given user or entity lands on.`,
	Args: cobra.ExactArgs(2),
	RunE: runBucket,
}

func init() {
	rootCmd.AddCommand(bucketCmd)
}

func runBucket(cmd *cobra.Command, args []string) error {
	var value any
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		return fmt.Errorf("invalid value JSON: %w", err)
	}
	bucket, err := segment.Bucket(args[0], value)
	if err != nil {
		return err
	}
	fmt.Println(bucket)
	return nil
}
