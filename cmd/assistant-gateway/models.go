package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var (
		region   string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List Bedrock text models available to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if region == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				region = cfg.Executor.Region
			}

			client, err := newBedrockClient(cmd.Context(), region)
			if err != nil {
				return err
			}

			input := &bedrock.ListFoundationModelsInput{
				ByOutputModality: types.ModelModalityText,
			}
			if provider != "" {
				input.ByProvider = aws.String(provider)
			}
			out, err := client.ListFoundationModels(cmd.Context(), input)
			if err != nil {
				return fmt.Errorf("listing models: %w", err)
			}

			models := out.ModelSummaries
			sort.Slice(models, func(i, j int) bool {
				return aws.ToString(models[i].ModelId) < aws.ToString(models[j].ModelId)
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL ID\tPROVIDER\tNAME")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					aws.ToString(m.ModelId), aws.ToString(m.ProviderName), aws.ToString(m.ModelName))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "AWS region (defaults to the configured executor region)")
	cmd.Flags().StringVar(&provider, "provider", "", "only list models from this provider, e.g. anthropic")
	return cmd
}
