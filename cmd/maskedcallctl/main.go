// Command maskedcallctl is a remote CLI for the masked-call order surface,
// talking to the HTTP API over net/http.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var apiHost string

func main() {
	rootCmd := &cobra.Command{
		Use:   "maskedcallctl",
		Short: "Administer the masked-call orchestrator remotely",
	}
	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "base URL of the HTTP API")

	orderCmd := &cobra.Command{Use: "order", Short: "manage orders"}

	orderCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "create a masked-call order",
		Run:   runOrderCreate,
	}
	orderCreateCmd.Flags().String("from", "", "caller number A (required)")
	orderCreateCmd.Flags().String("to", "", "callee number B (required)")
	orderCreateCmd.Flags().String("token", "", "user correlation token")
	orderCreateCmd.Flags().String("trunk", "", "outbound trunk name")

	orderExecuteCmd := &cobra.Command{
		Use:   "execute [order_id]",
		Short: "execute a pending order",
		Args:  cobra.ExactArgs(1),
		Run:   runOrderExecute,
	}

	orderStatusCmd := &cobra.Command{
		Use:   "status [order_id]",
		Short: "show an order's status",
		Args:  cobra.ExactArgs(1),
		Run:   runOrderStatus,
	}

	orderEventsCmd := &cobra.Command{
		Use:   "events [order_id]",
		Short: "list an order's event log",
		Args:  cobra.ExactArgs(1),
		Run:   runOrderEvents,
	}

	orderCmd.AddCommand(orderCreateCmd, orderExecuteCmd, orderStatusCmd, orderEventsCmd)

	callCmd := &cobra.Command{Use: "call", Short: "inspect calls"}
	callStatusCmd := &cobra.Command{
		Use:   "status [call_id]",
		Short: "show a call's status",
		Args:  cobra.ExactArgs(1),
		Run:   runCallStatus,
	}
	callCmd.AddCommand(callStatusCmd)

	rootCmd.AddCommand(orderCmd, callCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runOrderCreate(cmd *cobra.Command, args []string) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	if from == "" || to == "" {
		fmt.Println("error: --from and --to are required")
		return
	}

	token, _ := cmd.Flags().GetString("token")
	trunk, _ := cmd.Flags().GetString("trunk")

	body := map[string]any{
		"from":       from,
		"to":         to,
		"user_token": token,
		"trunk":      trunk,
	}
	printJSON(post(fmt.Sprintf("%s/api/order/create", apiHost), body))
}

func runOrderExecute(cmd *cobra.Command, args []string) {
	printJSON(post(fmt.Sprintf("%s/api/order/%s/execute", apiHost, args[0]), nil))
}

func runOrderStatus(cmd *cobra.Command, args []string) {
	printJSON(get(fmt.Sprintf("%s/api/order/%s/status", apiHost, args[0])))
}

func runCallStatus(cmd *cobra.Command, args []string) {
	printJSON(get(fmt.Sprintf("%s/api/call/%s/status", apiHost, args[0])))
}

func runOrderEvents(cmd *cobra.Command, args []string) {
	var events []map[string]any
	resp := get(fmt.Sprintf("%s/api/order/%s/events", apiHost, args[0]))
	if resp == nil {
		return
	}
	if err := json.Unmarshal(resp, &events); err != nil {
		fmt.Printf("error decoding response: %v\n", err)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tSTATE\tPREVIOUS")
	for _, e := range events {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", e["created_at"], e["event_type"], e["state"], e["previous_state"])
	}
	w.Flush()
}

func get(url string) []byte {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Printf("error connecting to API: %v\n", err)
		return nil
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)

	if resp.StatusCode >= 400 {
		fmt.Printf("API error (%s): %s\n", resp.Status, buf.String())
		return nil
	}
	return buf.Bytes()
}

func post(url string, body any) []byte {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Printf("error encoding request: %v\n", err)
			return nil
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	resp, err := http.Post(url, "application/json", reader)
	if err != nil {
		fmt.Printf("error connecting to API: %v\n", err)
		return nil
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)

	if resp.StatusCode >= 400 {
		fmt.Printf("API error (%s): %s\n", resp.Status, buf.String())
		return nil
	}
	return buf.Bytes()
}

func printJSON(data []byte) {
	if data == nil {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}
