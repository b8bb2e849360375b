package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli"
)

// dlcctl is the admin API's command-line client, replacing the teacher's
// lncli: the same urfave/cli command-table shape, talking plain JSON over
// HTTP to adminapi.go instead of gRPC/macaroon-authenticated lnrpc, since
// dlcd's control surface has no macaroon baking or TLS-terminated gRPC
// gateway to authenticate against.
type apiClient struct {
	baseURL string
	hc      *http.Client
}

func newAPIClient(ctx *cli.Context) *apiClient {
	return &apiClient{
		baseURL: "http://" + ctx.GlobalString("rpcserver"),
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[dlcctl] %v\n", err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(raw))
}

func main() {
	app := cli.NewApp()
	app.Name = "dlcctl"
	app.Version = appVersion
	app.Usage = "control plane for dlcd"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "rpcserver",
			Value: "localhost:8575",
			Usage: "host:port of the dlcd admin API",
		},
	}
	app.Commands = []cli.Command{
		offerCommand,
		acceptCommand,
		rejectCommand,
		listContractsCommand,
		showContractCommand,
		depositUTXOCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

const appVersion = "0.1.0"

func readJSONFile(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return out, nil
}
