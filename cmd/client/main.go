// Command roomchat is a line-oriented chat client. Lines starting with a
// slash are commands; anything else is sent to the current room.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
)

const usage = `Commands:
  /create <id> <name> [password]  create a room
  /join <id> [password]           join a room
  /leave                          leave the current room
  /rooms                          list rooms
  /users [id]                     list members of a room
  /nick <name>                    retry with another name after a rejection
  /quit                           disconnect and exit
Anything else is sent to the current room.`

func main() {
	serverAddr := flag.String("server", "", "Server address: host:port, ssh://[user@]host:port or ws(s)://host:port/ws (default: last used)")
	nickname := flag.String("nick", "", "Username (default: last used)")
	statePath := flag.String("state", client.DefaultStatePath(), "Path to the client state database")
	debug := flag.Bool("debug", false, "Log connection details to stderr")
	flag.Parse()

	log.SetFlags(0)

	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state: %v", err)
	}
	defer state.Close()

	addr := firstNonEmpty(*serverAddr, state.GetLastServer(), "localhost:5555")
	nick := firstNonEmpty(*nickname, state.GetLastNickname())
	if nick == "" {
		log.Fatal("No username: pass -nick")
	}

	if err := run(state, addr, nick, *debug, os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func run(state client.StateInterface, addr, nick string, debug bool, in io.Reader, out io.Writer) error {
	conn, err := client.NewConnection(addr)
	if err != nil {
		return err
	}
	if debug {
		conn.SetLogger(log.New(os.Stderr, "[conn] ", log.LstdFlags))
	}
	if err := conn.Connect(); err != nil {
		return err
	}

	c := client.NewClient(conn)
	defer c.Close()

	if err := state.SaveSuccessfulConnection(addr, conn.GetConnectionType()); err != nil {
		log.Printf("Could not save server: %v", err)
	}
	if err := c.Connect(nick); err != nil {
		return err
	}
	if err := state.SetLastNickname(nick); err != nil {
		log.Printf("Could not save nickname: %v", err)
	}

	fmt.Fprintf(out, "Connected to %s via %s as %s. Type /help for commands.\n", addr, conn.GetConnectionType(), nick)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	term := &cli{client: c, out: out, showRooms: true}
	for {
		select {
		case env, ok := <-c.Incoming():
			if !ok {
				fmt.Fprintln(out, "Connection closed by server")
				return nil
			}
			term.render(env)

		case line, ok := <-lines:
			quit := !ok
			if ok {
				var err error
				if quit, err = term.execute(line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
			if quit {
				if !ok {
					c.Disconnect()
				}
				// Keep reading so the final notices are shown
				for env := range c.Incoming() {
					term.render(env)
				}
				return nil
			}
		}
	}
}

type cli struct {
	client *client.Client
	out    io.Writer

	// Room lists are broadcast on every change; only print the ones asked for.
	showRooms bool
}

// execute runs one input line. It reports true when the user asked to quit.
func (cl *cli) execute(line string) (bool, error) {
	c, out := cl.client, cl.out
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, c.SendText(line)
	}

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/help":
		fmt.Fprintln(out, usage)
		return false, nil
	case "/create":
		if len(args) < 2 {
			return false, errors.New("usage: /create <id> <name> [password]")
		}
		return false, c.CreateRoom(args[0], args[1], optional(args, 2))
	case "/join":
		if len(args) < 1 {
			return false, errors.New("usage: /join <id> [password]")
		}
		return false, c.JoinRoom(args[0], optional(args, 1))
	case "/leave":
		return false, c.LeaveRoom()
	case "/rooms":
		cl.showRooms = true
		return false, c.RequestRoomList()
	case "/users":
		return false, c.RequestRoomUsers(optional(args, 0))
	case "/nick":
		if len(args) < 1 {
			return false, errors.New("usage: /nick <name>")
		}
		return false, c.Connect(args[0])
	case "/quit":
		return true, c.Disconnect()
	default:
		return false, fmt.Errorf("unknown command %s, try /help", fields[0])
	}
}

func optional(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func (cl *cli) render(env *protocol.Envelope) {
	c, out := cl.client, cl.out
	switch env.Type {
	case protocol.TypeText:
		fmt.Fprintf(out, "[%s] %s: %s\n", env.RoomID, env.Sender, env.Content)
	case protocol.TypeNotification:
		fmt.Fprintf(out, "* %s\n", env.Content)
	case protocol.TypePasswordIncorrect:
		fmt.Fprintf(out, "! %s\n", env.Content)
	case protocol.TypeRoomList:
		if !cl.showRooms {
			return
		}
		cl.showRooms = false
		rooms := c.Rooms()
		if len(rooms) == 0 {
			fmt.Fprintln(out, "No rooms yet")
			return
		}
		fmt.Fprintln(out, "Rooms:")
		for _, r := range rooms {
			marker := " "
			if r.ID == c.CurrentRoom() {
				marker = ">"
			}
			fmt.Fprintf(out, " %s %s\n", marker, r)
		}
	case protocol.TypeRoomUsers:
		fmt.Fprintf(out, "Users in %s: %s\n", env.RoomID, strings.Join(c.Users(), ", "))
	}
}
