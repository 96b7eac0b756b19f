// Package cli implements the interactive operator console of the login
// server.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/login"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/security"
)

// CLI reads commands from in and writes results to out.
type CLI struct {
	eventBus *events.EventBus
	listener *network.Listener
	registry *security.Registry
	login    *login.Server

	in  io.Reader
	out io.Writer
}

// NewCLI creates a new CLI handler.
func NewCLI(eventBus *events.EventBus, listener *network.Listener, registry *security.Registry, loginSrv *login.Server, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		eventBus: eventBus,
		listener: listener,
		registry: registry,
		login:    loginSrv,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled, input ends or quit
// is entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nLogin server console ready. Type 'help' for available commands.")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "loginserver> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "associations", "sa":
		c.printAssociations()
	case "stats":
		c.printStats()
	case "kick":
		return false, c.cmdKick(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down login server...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "  status             Show worker groups and their load")
	fmt.Fprintln(c.out, "  associations       List security associations")
	fmt.Fprintln(c.out, "  stats              Show login protocol counters")
	fmt.Fprintln(c.out, "  kick <conn id>     Close a connection")
	fmt.Fprintln(c.out, "  quit               Shut down the login server")
	fmt.Fprintln(c.out, "  help               Show this help message")
	fmt.Fprintln(c.out)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	fmt.Fprintln(c.out)
	tw := c.newTable("Group", "Connections", "Bytes In", "Bytes Out")
	for _, g := range c.listener.Stats() {
		tw.Append([]string{
			strconv.Itoa(g.Index),
			strconv.Itoa(g.Connections),
			strconv.FormatUint(g.BytesIn, 10),
			strconv.FormatUint(g.BytesOut, 10),
		})
	}
	tw.SetFooter([]string{"Total", strconv.Itoa(c.listener.ConnectionCount()), "", ""})
	tw.Render()

	fmt.Fprintln(c.out)
	conns := c.connections()
	if len(conns) == 0 {
		fmt.Fprintln(c.out, "  no open connections")
		fmt.Fprintln(c.out)
		return
	}
	tw = c.newTable("ID", "Group", "Remote", "Uptime")
	for _, conn := range conns {
		tw.Append([]string{
			strconv.FormatUint(conn.ID(), 10),
			strconv.Itoa(conn.Group().Index()),
			conn.RemoteAddr(),
			time.Since(conn.OpenedAt()).Truncate(time.Second).String(),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printAssociations() {
	states := c.registry.Snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].SPI < states[j].SPI })

	fmt.Fprintln(c.out)
	tw := c.newTable("SPI", "Sent Seq", "Last Recv Seq", "Window")
	for _, st := range states {
		tw.Append([]string{
			strconv.FormatUint(uint64(st.SPI), 10),
			strconv.FormatUint(uint64(st.SequenceNumber), 10),
			strconv.FormatUint(uint64(st.LastSequenceNumber), 10),
			fmt.Sprintf("%032b", st.ReplayWindowMask),
		})
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printStats() {
	st := c.login.Stats()

	fmt.Fprintln(c.out)
	tw := c.newTable("Counter", "Value")
	rows := [][2]string{
		{"active sessions", strconv.FormatInt(st.ActiveSessions, 10)},
		{"handshakes", strconv.FormatUint(st.HandshakesCompleted, 10)},
		{"frames in", strconv.FormatUint(st.FramesIn, 10)},
		{"frames out", strconv.FormatUint(st.FramesOut, 10)},
		{"frames rejected", strconv.FormatUint(st.FramesRejected, 10)},
		{"replays dropped", strconv.FormatUint(st.ReplaysDropped, 10)},
		{"unknown opcodes", strconv.FormatUint(st.UnknownOpcodes, 10)},
		{"logins ok", strconv.FormatUint(st.LoginsSucceeded, 10)},
		{"logins failed", strconv.FormatUint(st.LoginsFailed, 10)},
	}
	for _, r := range rows {
		tw.Append(r[:])
	}
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <conn id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid connection id: %s", args[0])
	}

	for _, conn := range c.connections() {
		if conn.ID() == id {
			if err := conn.Close(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "Connection %d closed\n", id)
			return nil
		}
	}
	return fmt.Errorf("connection %d not found", id)
}

func (c *CLI) connections() []*network.Connection {
	var conns []*network.Connection
	for _, g := range c.listener.Groups() {
		conns = append(conns, g.Connections()...)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}
