// Package server implements the command server: a single-threaded accept
// loop over a local socket that dispatches the framed command protocol
// against the catalogue.
package server

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/wazuh/clusterd/internal/catalogue"
	"github.com/wazuh/clusterd/internal/protocol"
)

// Server listens on a Unix domain socket and dispatches incoming framed
// commands against a catalogue.Store. It processes one connection at a
// time — the db client opens a fresh connection per command, so a listen
// backlog of 1 is adequate (spec.md §4.6/§5).
type Server struct {
	socketPath string
	store      *catalogue.Store
	logger     *slog.Logger
}

// New constructs a Server. The socket is not created until Listen is called.
func New(socketPath string, store *catalogue.Store, logger *slog.Logger) *Server {
	return &Server{socketPath: socketPath, store: store, logger: logger}
}

// Listen unlinks any stale socket file, binds the socket, and sets its
// permissions to 0660. The socket's owner is not changed: it stays the
// user the process runs as.
func (s *Server) Listen() (net.Listener, error) {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve accepts connections on ln until it is closed, handling each
// sequentially.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.handleConn(conn)
	}
}

// handleConn reads from conn until EOF, splitting and executing complete
// frames as they arrive, and replying on the same connection after each
// executed command.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var pending []byte
	buf := make([]byte, 65536)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = s.drainFrames(conn, pending)
		}
		if err != nil {
			return
		}
	}
}

// drainFrames repeatedly splits complete frames out of pending, executing
// and replying to each, until only an incomplete trailing frame (or
// nothing) remains — the over-read case recurses via the loop, the
// under-read case replies protocol.WaitingForSecondPart and returns the
// unconsumed bytes for the next Read.
func (s *Server) drainFrames(conn net.Conn, pending []byte) []byte {
	for {
		body, rest, complete, err := protocol.Split(pending)
		if err != nil {
			s.logger.Warn("server: malformed frame header", slog.Any("error", err))
			return nil
		}
		if !complete {
			s.writeReply(conn, protocol.WaitingForSecondPart)
			return pending
		}

		reply := s.execute(body)
		s.writeReply(conn, reply)

		pending = rest
		if len(pending) == 0 {
			return pending
		}
	}
}

func (s *Server) writeReply(conn net.Conn, reply string) {
	if len(reply) > protocol.MaxReplySize {
		s.logger.Warn("server: reply exceeds maximum size; truncating",
			slog.Int("size", len(reply)), slog.Int("max", protocol.MaxReplySize))
		reply = reply[:protocol.MaxReplySize]
	}
	conn.Write([]byte(reply)) //nolint:errcheck
}

const commandOK = "Command OK"

// execute dispatches one command body against the catalogue and returns
// the reply string. Any SQL failure against a well-formed command is
// treated as schema corruption and is logged; the connection is not torn
// down (spec.md §7's "server never tears down a connection over a bad
// command").
func (s *Server) execute(body string) string {
	tokens := strings.Fields(body)
	if len(tokens) == 0 {
		return protocol.NothingToDo
	}

	name, args := tokens[0], tokens[1:]

	switch name {
	case "update1":
		return s.runRows(args, 1, "update1", func(tx *catalogue.Store, row []string) error {
			return tx.UpdateStatusForFile(row[0], catalogue.StatusPending)
		})
	case "update3":
		return s.runRows(args, 1, "update3", func(tx *catalogue.Store, row []string) error {
			return tx.UpdateStatusForFile(row[0], catalogue.StatusToBeDeleted)
		})
	case "update2":
		return s.runRows(args, 3, "update2", func(tx *catalogue.Store, row []string) error {
			return tx.UpdatePeerFileStatus(row[1], row[2], catalogue.Status(row[0]))
		})
	case "insert":
		return s.runRows(args, 2, "insert", func(tx *catalogue.Store, row []string) error {
			return tx.Insert(row[0], row[1])
		})
	case "delete1":
		return s.runRows(args, 1, "delete1", func(tx *catalogue.Store, row []string) error {
			return tx.DeleteFile(row[0])
		})
	case "delete2":
		return s.runRows(args, 2, "delete2", func(tx *catalogue.Store, row []string) error {
			return tx.DeletePeerFile(row[0], row[1])
		})
	case "select":
		return s.selectReply(args, false)
	case "selectbyname":
		return s.selectReply(args, true)
	case "count":
		return s.scalarInt(func() (int, error) { return s.store.Count(firstOr(args, "")) })
	case "clear":
		return s.runNoArgs(s.store.Clear)
	case "clearlast":
		return s.runNoArgs(s.store.ClearLast)
	case "updatelast":
		return s.runRows(args, 2, "updatelast", func(tx *catalogue.Store, row []string) error {
			date, err := strconv.ParseInt(row[0], 10, 64)
			if err != nil {
				return err
			}
			duration, err := strconv.ParseFloat(row[1], 64)
			if err != nil {
				return err
			}
			return tx.UpdateLast(date, duration)
		})
	case "sellast":
		row, ok, err := s.store.SelLast()
		if err != nil {
			s.logger.Error("server: sellast failed", slog.Any("error", err))
			return commandOK
		}
		if !ok {
			return ""
		}
		return strconv.FormatInt(row.Date, 10) + " " + strconv.FormatFloat(row.Duration, 'f', 6, 64)
	case "insertfile":
		return s.runRows(args, 3, "insertfile", func(tx *catalogue.Store, row []string) error {
			modDate, err := strconv.ParseInt(row[2], 10, 64)
			if err != nil {
				return err
			}
			return tx.InsertFile(row[0], row[1], modDate)
		})
	case "updatefile":
		return s.runRows(args, 3, "updatefile", func(tx *catalogue.Store, row []string) error {
			modDate, err := strconv.ParseInt(row[1], 10, 64)
			if err != nil {
				return err
			}
			return tx.UpdateFile(row[0], modDate, row[2])
		})
	case "selfiles":
		return s.selFilesReply(args)
	case "countfiles":
		return s.scalarInt(s.store.CountFiles)
	case "getip":
		if len(args) < 1 {
			return commandOK
		}
		ip, err := s.store.GetIP(args[0])
		if err != nil {
			s.logger.Debug("server: getip miss", slog.String("name", args[0]))
			return ""
		}
		return ip
	case "insertname":
		return s.runRows(args, 2, "insertname", func(tx *catalogue.Store, row []string) error {
			return tx.InsertName(row[0], row[1])
		})
	case "updatename":
		return s.runRows(args, 2, "updatename", func(tx *catalogue.Store, row []string) error {
			return tx.UpdateName(row[0], row[1])
		})
	case "selres":
		restarted, ok, err := s.store.SelRes()
		if err != nil {
			s.logger.Error("server: selres failed", slog.Any("error", err))
			return commandOK
		}
		if !ok {
			return "0"
		}
		if restarted {
			return "1"
		}
		return "0"
	case "delres":
		return s.runNoArgs(s.store.DelRes)
	case "insertres":
		return s.runRows(args, 1, "insertres", func(tx *catalogue.Store, row []string) error {
			return tx.InsertRes(row[0] == "1")
		})
	default:
		return protocol.NothingToDo
	}
}

// runNoArgs executes a single-shot, zero-argument operation outside any
// transaction, per spec.md §4.6 ("single-shot operations with no arguments
// run outside a transaction").
func (s *Server) runNoArgs(op func() error) string {
	if err := op(); err != nil {
		s.logger.Error("server: command failed", slog.Any("error", err))
	}
	return commandOK
}

// runRows executes one operation per rowLen-sized group of args, wrapping
// the whole batch in a single transaction. Bulk frames repeat the command
// name before each subsequent row (e.g. "insert peer1 fileA insert peer2
// fileB"), so a token equal to name at a row boundary is a separator, not
// data, and is skipped. A frame with a single row runs exactly like a bulk
// frame of one row, matching the original protocol's pipelining support
// (spec.md §4.6).
func (s *Server) runRows(args []string, rowLen int, name string, op func(tx *catalogue.Store, row []string) error) string {
	var rows [][]string
	for i := 0; i < len(args); {
		if args[i] == name {
			i++
			continue
		}
		if i+rowLen > len(args) {
			s.logger.Warn("server: trailing incomplete row for command", slog.String("command", name))
			break
		}
		rows = append(rows, args[i:i+rowLen])
		i += rowLen
	}
	if len(rows) == 0 {
		s.logger.Warn("server: no complete rows for command", slog.String("command", name))
		return commandOK
	}

	err := s.store.WithTransaction(func(tx *catalogue.Store) error {
		for _, row := range rows {
			if err := op(tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("server: command failed", slog.Any("error", err))
	}
	return commandOK
}

func (s *Server) scalarInt(op func() (int, error)) string {
	n, err := op()
	if err != nil {
		s.logger.Error("server: count failed", slog.Any("error", err))
		return "0"
	}
	return strconv.Itoa(n)
}

func (s *Server) selectReply(args []string, byName bool) string {
	if len(args) < 3 {
		return ""
	}
	limit, offset, err := parseLimitOffset(args[1], args[2])
	if err != nil {
		return ""
	}

	var rows []catalogue.FileStatusRow
	if byName {
		rows, err = s.store.SelectByName(args[0], limit, offset)
	} else {
		rows, err = s.store.Select(args[0], limit, offset)
	}
	if err != nil {
		s.logger.Error("server: select failed", slog.Any("error", err))
		return ""
	}

	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.File)
		b.WriteByte('*')
		b.WriteString(string(r.Status))
		b.WriteByte(' ')
	}
	return b.String()
}

func (s *Server) selFilesReply(args []string) string {
	if len(args) < 2 {
		return ""
	}
	limit, offset, err := parseLimitOffset(args[0], args[1])
	if err != nil {
		return ""
	}

	rows, err := s.store.SelFiles(limit, offset)
	if err != nil {
		s.logger.Error("server: selfiles failed", slog.Any("error", err))
		return ""
	}

	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.Filename)
		b.WriteByte('*')
		b.WriteString(r.MD5)
		b.WriteByte('*')
		b.WriteString(strconv.FormatInt(r.ModDate, 10))
		b.WriteByte(' ')
	}
	return b.String()
}

func parseLimitOffset(limitStr, offsetStr string) (int, int, error) {
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, 0, err
	}
	offset, err := strconv.Atoi(offsetStr)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func firstOr(args []string, fallback string) string {
	if len(args) == 0 {
		return fallback
	}
	return args[0]
}
