package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Pipe ingests line commands from a named pipe and submits them to the
// dispatcher. It stands in for the presentation layer in headless setups.
type Pipe struct {
	path   string
	disp   *Dispatcher
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPipe creates the pipe at path. Returns nil if path is empty.
func NewPipe(path string, disp *Dispatcher) (*Pipe, error) {
	if path == "" {
		return nil, nil
	}

	os.Remove(path)
	if err := syscall.Mkfifo(path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipe{path: path, disp: disp, ctx: ctx, cancel: cancel}, nil
}

// Start listens for commands. Call as a goroutine.
func (p *Pipe) Start() {
	log.Infof("command pipe listening on %s", p.path)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		file, err := os.OpenFile(p.path, os.O_RDONLY, 0)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Errorf("command pipe open: %v", err)
			continue
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			select {
			case <-p.ctx.Done():
				file.Close()
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			cmd, err := ParseCommand(line)
			if err != nil {
				log.Errorf("command pipe parse: %v", err)
				continue
			}
			p.disp.Submit(cmd)
		}

		file.Close()
		// Writer closed the pipe, loop back to wait for the next writer.
	}
}

// Close stops the listener and removes the pipe.
func (p *Pipe) Close() error {
	p.cancel()
	return os.Remove(p.path)
}

// ParseCommand parses one command line.
// Command format:
//
//	server <host:port> <ident> <theme>   - update server settings
//	card <identity> <number> [name...]   - bind a card number to an identity
//	removecard <number>                  - remove a card
//	sync [reader] [restart]              - manual resync, optionally scoped
//	reconnect                            - redial the broker session
func ParseCommand(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	switch strings.ToLower(parts[0]) {
	case "server":
		if len(parts) < 3 {
			return nil, fmt.Errorf("server requires <host:port> <ident> [theme]")
		}
		cmd := UpdateServer{Host: parts[1], Ident: parts[2], Theme: "Auto"}
		if len(parts) > 3 {
			cmd.Theme = parts[3]
		}
		return cmd, nil

	case "card":
		if len(parts) < 3 {
			return nil, fmt.Errorf("card requires <identity> <number>")
		}
		cmd := UpdateCard{Identity: parts[1], Number: parts[2]}
		if len(parts) > 3 {
			cmd.Name = strings.Join(parts[3:], " ")
		}
		return cmd, nil

	case "removecard":
		if len(parts) < 2 {
			return nil, fmt.Errorf("removecard requires <number>")
		}
		return RemoveCard{Number: parts[1]}, nil

	case "sync":
		cmd := ManualSync{}
		for _, arg := range parts[1:] {
			if strings.EqualFold(arg, "restart") {
				cmd.Restart = true
			} else {
				cmd.Reader = arg
			}
		}
		return cmd, nil

	case "reconnect":
		return Reconnect{}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", parts[0])
	}
}
