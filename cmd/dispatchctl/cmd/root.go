package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_dispatch/internal/auth"
	"github.com/austindbirch/harbor_dispatch/internal/tracing"
)

var (
	cfgFile     string
	serverAddr  string
	grpcAddr    string
	timeout     time.Duration
	outputJSON  bool
	prettyJSON  bool
	jwtToken    string
	internalKey string
	databaseURL string
	nsqdAddr    string

	nowFunc = time.Now
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "Harbor Dispatch CLI - drive and inspect the webhook dispatcher",
	Long: `Harbor Dispatch CLI (dispatchctl) is a command line tool for operating
the Harbor Dispatch webhook delivery engine.

You can use it to create and trigger deliveries, sign payloads the way the
dispatcher does, mint caller tokens, and run database migrations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dispatchctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8080", "dispatcher HTTP base URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", "localhost:50051", "dispatcher gRPC address (health checks)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "bearer token for the dispatch API (overrides JWT_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&internalKey, "secret", "", "internal secret for the dispatch API (overrides INTERNAL_SECRET env var)")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres DSN (overrides DATABASE_URL env var)")
	rootCmd.PersistentFlags().StringVar(&nsqdAddr, "nsqd", "localhost:4150", "nsqd TCP address")

	// Bind flags to viper
	for _, name := range []string{"server", "grpc", "timeout", "json", "pretty", "token", "secret", "database-url", "nsqd"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dispatchctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("server") {
		if s := viper.GetString("server"); s != "" {
			serverAddr = s
		}
	}
	if !flags.Changed("grpc") {
		if s := viper.GetString("grpc"); s != "" {
			grpcAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("token") {
		jwtToken = firstNonEmpty(viper.GetString("token"), os.Getenv("JWT_TOKEN"))
	}
	if !flags.Changed("secret") {
		internalKey = firstNonEmpty(viper.GetString("secret"), os.Getenv("INTERNAL_SECRET"))
	}
	if !flags.Changed("database-url") {
		databaseURL = firstNonEmpty(viper.GetString("database-url"), os.Getenv("DATABASE_URL"))
	}
	if !flags.Changed("nsqd") {
		if s := viper.GetString("nsqd"); s != "" {
			nsqdAddr = s
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func requireDatabaseURL() (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("no database configured: pass --database-url or set DATABASE_URL")
	}
	return databaseURL, nil
}

// makeHTTPRequest calls the dispatcher API, attaching the internal secret or bearer token.
func makeHTTPRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	client := &http.Client{Timeout: timeout}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	url := strings.TrimRight(serverAddr, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if internalKey != "" {
		req.Header.Set(auth.HeaderInternalSecret, internalKey)
	} else if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}
	tracing.InjectHTTP(ctx, req.Header)

	return client.Do(req)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput writes v to w in the requested format
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		fmt.Fprintf(w, "%+v\n", v)
		return
	}

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			// jq output already ends in a newline
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}
	fmt.Fprintln(w, string(jsonData))
}

// parseTimestamp parses a unix seconds or RFC3339 timestamp; empty means now.
func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return time.Now().Unix(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unix, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse timestamp (expected unix seconds or RFC3339): %w", err)
	}
	return t.Unix(), nil
}

// readPayload resolves a --payload value; "@file" reads the file and "-" reads stdin.
func readPayload(in io.Reader, v string) ([]byte, error) {
	switch {
	case v == "-":
		return io.ReadAll(in)
	case strings.HasPrefix(v, "@"):
		return os.ReadFile(strings.TrimPrefix(v, "@"))
	default:
		return []byte(v), nil
	}
}
