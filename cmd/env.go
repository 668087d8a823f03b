package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/valenai/internal/aiconnectors"
	"github.com/valenai/internal/config"
	"github.com/valenai/internal/logging"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required variables that are missing
	Present  map[string]string // Variables that are set (masked values)
	Warnings []string          // Non-fatal warnings
}

// firstSet returns the first of names that is set in the environment.
func firstSet(names ...string) (string, string) {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return n, v
		}
	}
	return "", ""
}

// CheckRequiredConfig validates that required environment variables are set.
// needDatabase adds the database connection variables to the required set.
func CheckRequiredConfig(needDatabase bool) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	if name, val := firstSet("VALEN_GEMINI__API_KEYS", "GEMINI_API_KEYS"); name != "" {
		keys := config.SplitList(val)
		masked := make([]string, 0, len(keys))
		for _, k := range keys {
			masked = append(masked, logging.MaskSecret(k))
		}
		result.Present[name] = strings.Join(masked, ", ")
		if len(keys) == 1 {
			result.Warnings = append(result.Warnings, "only one Gemini API key is configured; key rotation has nothing to fall back to")
		}
	} else {
		result.Missing = append(result.Missing, "GEMINI_API_KEYS")
	}

	if needDatabase {
		if name, val := firstSet("VALEN_DATABASE__URL", "DATABASE_URL"); name != "" {
			result.Present[name] = logging.MaskSecret(val)
		} else {
			for _, v := range []string{"DB_HOST", "DB_NAME"} {
				if val := os.Getenv(v); val == "" {
					result.Missing = append(result.Missing, v)
				} else {
					result.Present[v] = val
				}
			}
		}
	}

	// Optional but good to check
	for _, v := range []string{"DB_USER", "DB_PASSWORD", "VALEN_SERVER__JWT_SECRET"} {
		if val := os.Getenv(v); val != "" {
			result.Present[v] = logging.MaskSecret(val)
		}
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required variables:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		names := make([]string, 0, len(result.Present))
		for k := range result.Present {
			names = append(names, k)
		}
		sort.Strings(names)

		fmt.Println("✓ Configured variables:")
		for _, k := range names {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// EnvCommand returns the env command
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Inspect environment configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Report required environment variables with masked values",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env-file",
						Usage: "Load environment variables from `FILE` first",
					},
					&cli.BoolFlag{
						Name:  "validate-keys",
						Usage: "Send a small request with every configured Gemini API key",
					},
				},
				Action: runEnvCheck,
			},
		},
	}
}

func runEnvCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	result := CheckRequiredConfig(cfg.Store.Driver == config.StorePostgres)
	PrintConfigCheck(result)

	if c.Bool("validate-keys") {
		connector := aiconnectors.NewConnector(cfg.Gemini.Model, nil)
		for _, key := range cfg.Gemini.APIKeys {
			valid, err := connector.ValidateAPIKey(c.Context, key)
			switch {
			case err != nil:
				fmt.Printf("⚠ %s: %v\n", logging.MaskSecret(key), err)
			case valid:
				fmt.Printf("✓ %s: valid\n", logging.MaskSecret(key))
			default:
				fmt.Printf("❌ %s: rejected\n", logging.MaskSecret(key))
			}
		}
	}

	if len(result.Missing) > 0 {
		return fmt.Errorf("%d required variable(s) missing", len(result.Missing))
	}
	return nil
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		// Overwrite environment variable
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set env var %s: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	return nil
}
