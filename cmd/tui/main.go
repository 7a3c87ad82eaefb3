// Binary tui is a terminal menu for the operator control surface of a running engine.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8090", "control surface base URL")
	flag.Parse()

	c := &controlClient{base: strings.TrimSuffix(*addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Println("\n=== Tradingpal Control ===")
		fmt.Println("1) Show status")
		fmt.Println("2) Block purchases")
		fmt.Println("3) Block all transactions")
		fmt.Println("4) Unblock")
		fmt.Println("5) Show funds")
		fmt.Println("6) Show transactions")
		fmt.Println("9) Kill engine")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		var err error
		switch strings.TrimSpace(input) {
		case "1":
			err = c.show(http.MethodGet, "/control/status")
		case "2":
			err = c.show(http.MethodPost, "/control/block-purchases")
		case "3":
			err = c.show(http.MethodPost, "/control/block-transactions")
		case "4":
			err = c.show(http.MethodPost, "/control/unblock")
		case "5":
			err = c.show(http.MethodGet, "/funds")
		case "6":
			fmt.Print("Date YYYY-MM-DD (blank for today): ")
			date, _ := reader.ReadString('\n')
			path := "/transactions"
			if d := strings.TrimSpace(date); d != "" {
				path += "?date=" + d
			}
			err = c.show(http.MethodGet, path)
		case "9":
			if confirm(reader, "Kill stops the engine until restart. Continue?") {
				err = c.show(http.MethodPost, "/control/kill")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		}
	}
}

type controlClient struct {
	base string
	http *http.Client
}

func (c *controlClient) show(method, path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty any
	if json.Unmarshal(body, &pretty) == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			body = out
		}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, body)
	}
	fmt.Println(string(body))
	return nil
}

func confirm(reader *bufio.Reader, question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	line, _ := reader.ReadString('\n')
	return strings.EqualFold(strings.TrimSpace(line), "y")
}
