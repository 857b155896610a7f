// collagectl is an interactive REPL for poking at a running collaged
// node: connect to it, ping it, list its peers, push an opaque payload
// to an object. Grounded on chotki's cmd/main.go readline loop and
// repl.go's command-table shape, rebuilt against node.LocalNode and
// object.Store instead of a Chotki database handle.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/rdumusc/collage/conn"
	"github.com/rdumusc/collage/global"
	"github.com/rdumusc/collage/id"
	"github.com/rdumusc/collage/node"
	"github.com/rdumusc/collage/object"
	"github.com/rdumusc/collage/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("connect"),
	readline.PcItem("peers"),
	readline.PcItem("ping"),
	readline.PcItem("push"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	if r == readline.CharCtrlZ {
		return r, false
	}
	return r, true
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:              "collage> ",
		HistoryFile:         "/tmp/collagectl.history",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "exit",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	log := utils.NewDefaultLogger(slog.LevelWarn)
	ln := node.NewLocalNode(0, global.New(), log)
	if err := ln.Listen(nil); err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer ln.Close()
	store := object.NewStore(ln, log)

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Fields(line)
		cmd := args[0]
		args = args[1:]

		switch cmd {
		case "help":
			fmt.Println("connect <kind:host:port>, peers, ping <nodeID>, push <targetNodeID> <objID> <text...>, exit")
		case "connect":
			runConnect(ln, args)
		case "peers":
			runPeers(ln)
		case "ping":
			runPing(ln, args)
		case "push":
			runPush(store, args)
		case "exit", "quit":
			return
		default:
			fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}
	}
}

func runConnect(ln *node.LocalNode, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: connect <kind:host:port>")
		return
	}
	d, err := conn.ParseDescription(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ln.Global().HandshakeTimeout())
	defer cancel()
	n, err := ln.Connect(ctx, d)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		return
	}
	fmt.Println("connected:", n.NodeID())
}

func runPeers(ln *node.LocalNode) {
	for _, n := range ln.Peers() {
		fmt.Printf("%s\tconnected=%v\n", n.NodeID(), n.IsConnected())
	}
}

func runPing(ln *node.LocalNode, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ping <nodeID>")
		return
	}
	nodeID, err := id.Parse(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "ping:", err)
		return
	}
	n, ok := ln.Peer(nodeID)
	if !ok {
		fmt.Fprintln(os.Stderr, "ping: unknown peer")
		return
	}
	fmt.Println("alive:", ln.Ping(n))
}

func runPush(store *object.Store, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: push <targetNodeID> <objID> <text...>")
		return
	}
	target, err := id.Parse(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "push:", err)
		return
	}
	objID, err := id.Parse(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "push:", err)
		return
	}
	if err := store.Push(target, objID, []byte(strings.Join(args[2:], " "))); err != nil {
		fmt.Fprintln(os.Stderr, "push:", err)
	}
}
