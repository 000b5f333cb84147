// evq-cli is a small interactive front end for the event queue: connect
// streams, register read interest under tokens, poll, and read what the
// peer sent. Useful against anything that pushes data on connect, e.g. an
// SMTP greeting or a delayed-echo test server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	evq "github.com/fzft/go-evq"
	"github.com/fzft/go-evq/log"
)

const (
	histFileEnv     = "EVQCLI_HISTFILE"
	histFileDefault = ".evqcli_history"
)

type cli struct {
	poll    *evq.Poll
	reg     *evq.Registrator
	streams map[evq.Token]*evq.TcpStream
	events  []evq.Event
}

func main() {
	if err := log.InitLogger(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	evq.Logger = log.Logger

	poll, err := evq.New()
	if err != nil {
		log.Logger.Fatal("create event queue", zap.Error(err))
	}
	defer poll.Close()

	c := &cli{
		poll:    poll,
		reg:     poll.Registrator(),
		streams: make(map[evq.Token]*evq.TcpStream),
		events:  make([]evq.Event, 32),
	}

	prompt := "evq> "
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("evq-cli (git:%s, built:%s)\n", evq.GitSHA1(), evq.BuildDate())
		prompt = "\x1b[36mevq>\x1b[0m "
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histFile := os.Getenv(histFileEnv)
	if histFile == "" {
		home, _ := os.UserHomeDir()
		histFile = filepath.Join(home, histFileDefault)
	}
	if f, err := os.Open(histFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		args := strings.Fields(input)
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		if err := c.dispatch(args); err != nil {
			fmt.Println("(error)", err)
		}
	}
}

func (c *cli) dispatch(args []string) error {
	switch args[0] {
	case "connect":
		if len(args) != 3 {
			return fmt.Errorf("usage: connect <host:port> <token>")
		}
		token, err := parseToken(args[2])
		if err != nil {
			return err
		}
		stream, err := evq.Connect(args[1])
		if err != nil {
			return err
		}
		c.streams[token] = stream
		fmt.Printf("connected %s as token %d\n", args[1], token)
		return nil

	case "register":
		if len(args) != 2 {
			return fmt.Errorf("usage: register <token>")
		}
		token, err := parseToken(args[1])
		if err != nil {
			return err
		}
		stream, ok := c.streams[token]
		if !ok {
			return fmt.Errorf("no stream for token %d", token)
		}
		return c.reg.Register(stream, token, evq.Readable)

	case "poll":
		if len(args) != 2 {
			return fmt.Errorf("usage: poll <ms>  (-1 waits indefinitely)")
		}
		ms, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		var timeout *time.Duration
		if ms >= 0 {
			d := time.Duration(ms) * time.Millisecond
			timeout = &d
		}
		n, err := c.poll.Poll(c.events, timeout)
		if err != nil {
			return err
		}
		fmt.Printf("%d event(s)\n", n)
		for i := 0; i < n; i++ {
			fmt.Printf("  ready: token %d\n", c.events[i].ID())
		}
		return nil

	case "read":
		if len(args) != 2 {
			return fmt.Errorf("usage: read <token>")
		}
		token, err := parseToken(args[1])
		if err != nil {
			return err
		}
		stream, ok := c.streams[token]
		if !ok {
			return fmt.Errorf("no stream for token %d", token)
		}
		buf := make([]byte, 4096)
		n, err := stream.Read(buf)
		if err != nil && !evq.IsTemporaryError(err) {
			return err
		}
		fmt.Printf("%d byte(s): %q\n", n, buf[:n])
		return nil

	case "closeloop":
		return c.reg.CloseLoop()

	case "close":
		if len(args) != 2 {
			return fmt.Errorf("usage: close <token>")
		}
		token, err := parseToken(args[1])
		if err != nil {
			return err
		}
		stream, ok := c.streams[token]
		if !ok {
			return fmt.Errorf("no stream for token %d", token)
		}
		delete(c.streams, token)
		return stream.Close()

	case "help":
		fmt.Println("commands: connect <addr> <token> | register <token> | poll <ms> | read <token> | close <token> | closeloop | quit")
		return nil

	default:
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
}

func parseToken(s string) (evq.Token, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad token %q: %v", s, err)
	}
	return evq.Token(v), nil
}
