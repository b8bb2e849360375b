package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

var offerCommand = cli.Command{
	Name:      "offer",
	Usage:     "offer a contract to a counterparty.",
	ArgsUsage: "counterparty_pubkey contract_input.json",
	Description: "Sends a contract offer built from the ContractInput JSON " +
		"document in contract_input.json to the peer identified by " +
		"counterparty_pubkey.",
	Action: offerContract,
}

func offerContract(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "offer")
	}
	counterparty := ctx.Args().Get(0)
	inputPath := ctx.Args().Get(1)

	body, err := readJSONFile(inputPath)
	if err != nil {
		return err
	}
	req := map[string]interface{}{"counterpartyPubKey": counterparty}
	for k, v := range body {
		req[k] = v
	}

	var resp map[string]interface{}
	if err := newAPIClient(ctx).do("POST", "/v1/offers", req, &resp); err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

var acceptCommand = cli.Command{
	Name:      "accept",
	Usage:     "accept a pending offer.",
	ArgsUsage: "temp_contract_id",
	Action:    acceptOffer,
}

func acceptOffer(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "accept")
	}
	var resp map[string]interface{}
	path := fmt.Sprintf("/v1/offers/%s/accept", ctx.Args().Get(0))
	if err := newAPIClient(ctx).do("POST", path, nil, &resp); err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

var rejectCommand = cli.Command{
	Name:      "reject",
	Usage:     "reject a pending offer.",
	ArgsUsage: "temp_contract_id",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "reason",
			Usage: "human-readable rejection reason",
		},
	},
	Action: rejectOffer,
}

func rejectOffer(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "reject")
	}
	body := map[string]interface{}{"reason": ctx.String("reason")}
	path := fmt.Sprintf("/v1/offers/%s/reject", ctx.Args().Get(0))
	if err := newAPIClient(ctx).do("POST", path, body, nil); err != nil {
		return err
	}
	fmt.Println("offer rejected")
	return nil
}

var listContractsCommand = cli.Command{
	Name:  "listcontracts",
	Usage: "list contracts, optionally filtered by state.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "state",
			Usage: "filter by state, e.g. Offered, Confirmed, Closed",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "dump the raw JSON response instead of a table",
		},
	},
	Action: listContracts,
}

func listContracts(ctx *cli.Context) error {
	path := "/v1/contracts"
	if state := ctx.String("state"); state != "" {
		path += "?state=" + state
	}
	var resp []struct {
		TempID          string `json:"tempId"`
		ID              string `json:"id"`
		State           string `json:"state"`
		Counterparty    string `json:"counterpartyPubKey"`
		IsOfferer       bool   `json:"isOfferer"`
		TotalCollateral int64  `json:"totalCollateral"`
		AttestedOutcome string `json:"attestedOutcome"`
	}
	if err := newAPIClient(ctx).do("GET", path, nil, &resp); err != nil {
		return err
	}
	if ctx.Bool("json") {
		printJSON(resp)
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "STATE", "ROLE", "COLLATERAL", "OUTCOME", "COUNTERPARTY"})
	for _, c := range resp {
		id := c.ID
		if id == "" {
			id = c.TempID
		}
		role := "accepter"
		if c.IsOfferer {
			role = "offerer"
		}
		tw.AppendRow(table.Row{
			shortHex(id), c.State, role, c.TotalCollateral,
			c.AttestedOutcome, shortHex(c.Counterparty),
		})
	}
	tw.Render()
	return nil
}

// shortHex elides the middle of a long hex id for table display.
func shortHex(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:8] + ".." + s[len(s)-6:]
}

var showContractCommand = cli.Command{
	Name:      "showcontract",
	Usage:     "show a single contract by id.",
	ArgsUsage: "contract_id",
	Action:    showContract,
}

func showContract(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "showcontract")
	}
	var resp map[string]interface{}
	path := fmt.Sprintf("/v1/contracts/%s", ctx.Args().Get(0))
	if err := newAPIClient(ctx).do("GET", path, nil, &resp); err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

var depositUTXOCommand = cli.Command{
	Name:      "deposit",
	Usage:     "register a UTXO with the reference wallet.",
	ArgsUsage: "txid index value_sats raw_prev_tx_hex",
	Action:    depositUTXO,
}

func depositUTXO(ctx *cli.Context) error {
	if ctx.NArg() != 4 {
		return cli.ShowCommandHelp(ctx, "deposit")
	}
	index, err := strconv.ParseUint(ctx.Args().Get(1), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid index: %w", err)
	}
	value, err := strconv.ParseInt(ctx.Args().Get(2), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid value_sats: %w", err)
	}
	body := map[string]interface{}{
		"txid":         ctx.Args().Get(0),
		"index":        uint32(index),
		"value":        value,
		"rawPrevTxHex": ctx.Args().Get(3),
	}
	if err := newAPIClient(ctx).do("POST", "/v1/wallet/utxos", body, nil); err != nil {
		return err
	}
	fmt.Println("utxo deposited")
	return nil
}
