package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2060-io/go-emrtd/certpath"
	"github.com/2060-io/go-emrtd/sod"
)

var dataGroupPattern = regexp.MustCompile(`^DG([1-9]|1[0-6])$`)

// parseDataGroupFlags reads the files named by DGn=path arguments.
func parseDataGroupFlags(args []string) (map[string][]byte, error) {
	dataGroups := make(map[string][]byte, len(args))
	for _, arg := range args {
		name, path, ok := strings.Cut(arg, "=")
		name = strings.ToUpper(strings.TrimSpace(name))
		if !ok || path == "" || !dataGroupPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid data group %q, expected DG<1-16>=<file>", arg)
		}
		if _, dup := dataGroups[name]; dup {
			return nil, fmt.Errorf("data group %s given more than once", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		dataGroups[name] = data
	}
	return dataGroups, nil
}

func newVerifyCommand(a *app) *cobra.Command {
	var (
		sodFile    string
		dgArgs     []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an EF.SOD and its data groups",
		Long: "Checks the data group hashes declared in an EF.SOD against the supplied data " +
			"groups and builds a path from the document signer to the CSCA trust anchors. " +
			"Exits with status 2 when the document is not both authentic and intact.",
		Example: "  emrtd verify --source masterlist.ldif --sod EF.SOD --dg DG1=EF.DG1 --dg DG2=EF.DG2\n" +
			"  emrtd verify --anchor csca.pem --sod EF.SOD --dg DG1=EF.DG1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sodData, err := os.ReadFile(sodFile)
			if err != nil {
				return fmt.Errorf("failed to read SOD: %w", err)
			}
			dataGroups, err := parseDataGroupFlags(dgArgs)
			if err != nil {
				return err
			}

			cfg, log, store, cleanup, err := a.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			verifier := sod.NewVerifier(store, sod.Options{
				Path:   certpath.Options{CheckValidity: cfg.MasterList.CheckValidity},
				Logger: log.WithName("verifier"),
			})
			result := verifier.VerifySod(cmd.Context(), sodData, dataGroups)

			if jsonOutput {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				printResult(a, result)
			}

			if !result.Authenticity || !result.Integrity {
				return errVerificationFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sodFile, "sod", "", "EF.SOD file")
	cmd.Flags().StringArrayVar(&dgArgs, "dg", nil, "data group as DG<n>=<file>, repeatable")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output the result as JSON")
	_ = cmd.MarkFlagRequired("sod")
	return cmd
}

func printResult(a *app, result *sod.Result) {
	headerColor.Fprintln(a.stdout, "SOD verification")
	printCheck(a, "Authenticity", result.Authenticity)
	printCheck(a, "Integrity", result.Integrity)

	if result.Signer != "" {
		labelColor.Fprintf(a.stdout, "  %-14s", "Signer")
		fmt.Fprintf(a.stdout, "%s (%s)\n", result.Signer, result.SignerMatch)
	}
	if result.HashAlgorithm != "" {
		labelColor.Fprintf(a.stdout, "  %-14s", "Hash")
		fmt.Fprintln(a.stdout, result.HashAlgorithm)
	}
	if result.LDSVersion != "" {
		labelColor.Fprintf(a.stdout, "  %-14s", "LDS version")
		fmt.Fprintln(a.stdout, result.LDSVersion)
	}

	names := make([]string, 0, len(result.DataGroups))
	for name := range result.DataGroups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		status := result.DataGroups[name]
		labelColor.Fprintf(a.stdout, "  %-14s", name)
		switch status {
		case sod.DataGroupMatched:
			successColor.Fprintln(a.stdout, status)
		case sod.DataGroupMismatch:
			errorColor.Fprintln(a.stdout, status)
		default:
			dimColor.Fprintln(a.stdout, status)
		}
	}

	if result.Details != "" {
		labelColor.Fprintf(a.stdout, "  %-14s", "Details")
		fmt.Fprintln(a.stdout, result.Details)
	}
}

func printCheck(a *app, label string, ok bool) {
	labelColor.Fprintf(a.stdout, "  %-14s", label)
	if ok {
		successColor.Fprintln(a.stdout, "passed")
	} else {
		errorColor.Fprintln(a.stdout, "failed")
	}
}
