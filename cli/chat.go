package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"wavelite/models"
)

// chatPeer is the part of a connection the terminal front end drives.
type chatPeer interface {
	SendText(text string) (models.Message, error)
	SendLocation(lat, lng float64) (models.Message, error)
	SendFile(path string) (string, error)
}

// console serializes output from the input loop and connection callbacks.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{out: w}
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) PrintMessage(m models.Message) {
	who := m.From
	if m.Outgoing {
		who = "you"
	}
	switch m.ContentType {
	case models.ContentLocation:
		c.Printf("<%s> shared a location: %s\n", who, m.Content)
	default:
		c.Printf("<%s> %s\n", who, m.Content)
	}
}

func (c *console) PrintProgress(p models.TransferProgress) {
	direction := "receiving"
	if p.Outgoing {
		direction = "sending"
	}
	switch p.Status {
	case models.TransferComplete:
		c.Printf("* %s %s done\n", direction, p.Filename)
	case models.TransferFailed:
		c.Printf("! %s %s failed: %s\n", direction, p.Filename, p.Error)
	}
}

type commandKind int

const (
	commandText commandKind = iota
	commandSend
	commandLocation
	commandQuit
	commandEmpty
)

type command struct {
	kind     commandKind
	text     string
	path     string
	lat, lng float64
}

func parseCommand(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return command{kind: commandEmpty}, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		return command{kind: commandText, text: line}, nil
	}

	name, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/quit", "/exit":
		return command{kind: commandQuit}, nil
	case "/send":
		if rest == "" {
			return command{}, errors.New("usage: /send <path>")
		}
		return command{kind: commandSend, path: rest}, nil
	case "/location":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return command{}, errors.New("usage: /location <lat> <lng>")
		}
		lat, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return command{}, fmt.Errorf("bad latitude %q", fields[0])
		}
		lng, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return command{}, fmt.Errorf("bad longitude %q", fields[1])
		}
		return command{kind: commandLocation, lat: lat, lng: lng}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", name)
	}
}

// runChat reads lines from in until /quit, end of input, ctx ends or done
// closes.
func runChat(ctx context.Context, in io.Reader, peer chatPeer, out *console, done <-chan struct{}) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			cmd, err := parseCommand(line)
			if err != nil {
				out.Printf("! %v\n", err)
				continue
			}
			if cmd.kind == commandQuit {
				return nil
			}
			if err := dispatch(cmd, peer, out); err != nil {
				out.Printf("! %v\n", err)
			}
		}
	}
}

func dispatch(cmd command, peer chatPeer, out *console) error {
	switch cmd.kind {
	case commandText:
		msg, err := peer.SendText(cmd.text)
		if err != nil {
			return err
		}
		out.PrintMessage(msg)
	case commandLocation:
		msg, err := peer.SendLocation(cmd.lat, cmd.lng)
		if err != nil {
			return err
		}
		out.PrintMessage(msg)
	case commandSend:
		queueID, err := peer.SendFile(cmd.path)
		if err != nil {
			return err
		}
		out.Printf("* queued %s (%s)\n", filepath.Base(cmd.path), queueID)
	}
	return nil
}

// saveReceived writes f under dir without overwriting existing files.
func saveReceived(dir string, f models.File) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create files directory: %w", err)
	}

	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(f.Filename, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		name = "received-" + f.MessageID
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := file.Write(f.Data); err != nil {
			_ = file.Close()
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return path, nil
	}
}
