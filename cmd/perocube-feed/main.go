// perocube-feed sends measurements to perocubed and prints each ack.
//
// On a terminal it runs an interactive prompt with completion; otherwise it
// reads one message per line from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/xtxerr/perocube/internal/client"
	"github.com/xtxerr/perocube/internal/codec"
	"github.com/xtxerr/perocube/internal/wire"
)

func main() {
	addr := flag.String("addr", "localhost:5000", "perocubed address")
	framing := flag.String("framing", "ndjson", "framing: ndjson or varint")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	flag.Parse()

	mode, err := wire.ParseMode(*framing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perocube-feed: %v\n", err)
		os.Exit(2)
	}

	cfg := client.DefaultConfig()
	cfg.Addr = *addr
	cfg.Framing = mode
	cfg.TLS = *useTLS
	cfg.TLSSkipVerify = *insecure

	c := client.New(cfg)
	if err := c.Connect(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "perocube-feed: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		interactive(c, *addr)
		return
	}
	if failed := stream(c); failed > 0 {
		c.Close()
		os.Exit(1)
	}
}

// send parses and sends one line. It reports whether the message was
// acknowledged with "ok".
func send(c *client.Client, line string) bool {
	frame, err := client.ParseLine(line)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse: %v\n", err)
		return false
	}
	ack, err := c.SendFrame(context.Background(), frame)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		return false
	}
	if ack.Reason != "" {
		fmt.Printf("%s: %s\n", ack.Status, ack.Reason)
	} else {
		fmt.Println(ack.Status)
	}
	return ack.Status == codec.StatusOK
}

func stream(c *client.Client) int {
	failed := 0
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !send(c, line) {
			failed++
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
		failed++
	}
	return failed
}

func interactive(c *client.Client, addr string) {
	fmt.Printf("connected to %s; type a kind and name=value pairs, \"exit\" to quit\n", addr)

	executor := func(line string) {
		line = strings.TrimSpace(line)
		switch line {
		case "":
			return
		case "exit", "quit":
			c.Close()
			os.Exit(0)
		}
		send(c, line)
	}

	p := prompt.New(executor, completer,
		prompt.OptionPrefix("perocube> "),
		prompt.OptionTitle("perocube-feed"),
	)
	p.Run()
}

func completer(d prompt.Document) []prompt.Suggest {
	fields := strings.Fields(d.TextBeforeCursor())
	kind := ""
	if len(fields) > 1 || (len(fields) == 1 && strings.HasSuffix(d.TextBeforeCursor(), " ")) {
		kind = fields[0]
	}

	words := client.Words(kind)
	s := make([]prompt.Suggest, 0, len(words))
	for _, w := range words {
		s = append(s, prompt.Suggest{Text: w})
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}
