// Package protocol implements the binary protocol spoken between AOServ clients
// and the master server.
//
// The protocol is a simple request/response exchange over a persistent TCP
// connection. A connection can also be switched into listener mode, after which
// the master pushes invalidate lists to the client whenever a table changes.
//
// Protocol Format:
//   - All messages are prefixed with a 4-byte length header (big-endian)
//   - Integers are varint encoded, strings and byte slices are length-prefixed
//   - Every response ends with the invalidate list and the origin connector id
//
// Example usage:
//
//	cmd := &protocol.Command{
//		Type:  protocol.CmdGetTable,
//		Table: 3,
//	}
//	if err := protocol.WriteCommand(conn, cmd); err != nil {
//		return err
//	}
//	resp, err := protocol.ReadResponse(conn)
//
// The command set covers everything the cache layer needs:
//   - Session: LOGIN, TEST_CONNECTION, LISTEN_CACHES
//   - Reads: GET_TABLE, GET_OBJECT, GET_ROW_COUNT
//   - Mutations: ADD, UPDATE, REMOVE, INVALIDATE_TABLE
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Protocol constants
const (
	protocolHeaderSize = 4

	// MaxFrameSize bounds a single message. Whole-table responses are the
	// largest frames on the wire.
	MaxFrameSize = 16 << 20
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame too large")

// TableID identifies one table on the master. Zero is never a valid table.
type TableID uint16

// String returns the decimal form of the id.
func (id TableID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// CommandType represents the type of command being executed.
type CommandType uint8

// Command type constants define every request the master understands.
const (
	CmdLogin           CommandType = iota + 1 // LOGIN username password connector-id
	CmdTestConnection                         // TEST_CONNECTION - round trip only
	CmdGetTable                               // GET_TABLE table - all rows
	CmdGetObject                              // GET_OBJECT table key - zero or one row
	CmdGetRowCount                            // GET_ROW_COUNT table
	CmdAdd                                    // ADD table key row
	CmdUpdate                                 // UPDATE table key row
	CmdRemove                                 // REMOVE table key
	CmdInvalidateTable                        // INVALIDATE_TABLE table
	CmdListenCaches                           // LISTEN_CACHES - switch to push mode
)

var commandNames = map[CommandType]string{
	CmdLogin:           "login",
	CmdTestConnection:  "test_connection",
	CmdGetTable:        "get_table",
	CmdGetObject:       "get_object",
	CmdGetRowCount:     "get_row_count",
	CmdAdd:             "add",
	CmdUpdate:          "update",
	CmdRemove:          "remove",
	CmdInvalidateTable: "invalidate_table",
	CmdListenCaches:    "listen_caches",
}

// String returns the lower-case command name, used as a metrics label.
func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Mutating reports whether the command can change table contents.
func (t CommandType) Mutating() bool {
	switch t {
	case CmdAdd, CmdUpdate, CmdRemove, CmdInvalidateTable:
		return true
	default:
		return false
	}
}

// ResponseType represents the type of response from the server.
type ResponseType uint8

// Response type constants define the possible server response formats.
const (
	RespOK         ResponseType = iota // Success without payload
	RespError                          // Error message
	RespRows                           // Sequence of encoded rows
	RespInt                            // Single integer
	RespInvalidate                     // Pushed invalidate list (listener mode)
)

// Command represents a client request to the master.
//
// Example:
//
//	cmd := &Command{
//		Type:    CmdUpdate,
//		Table:   2,
//		Key:     "42",
//		Payload: encodedRow,
//	}
type Command struct {
	Key     string      // Primary key in its wire form, when the command addresses one row
	Args    []string    // Extra arguments (login credentials)
	Payload []byte      // Encoded row for ADD and UPDATE
	Table   TableID     // Target table, zero for session commands
	Type    CommandType // The operation to perform
}

// Response represents a master response or a pushed invalidation.
//
// Invalidate is present on any response type: it lists the tables whose
// client-side caches must be dropped because of the command, or because of
// another client's command in the case of RespInvalidate.
type Response struct {
	Error      string       // Error message if Type is RespError
	Origin     string       // Connector id that caused the invalidation, if known
	Rows       [][]byte     // Encoded rows if Type is RespRows
	Invalidate []TableID    // Tables to invalidate
	Int        int64        // Value if Type is RespInt
	Type       ResponseType // The type of response data
}

// Serialize converts a Command into its binary body (without the frame header).
func (c *Command) Serialize() ([]byte, error) {
	w := NewWriter()
	w.buf = append(w.buf, byte(c.Type))
	w.WriteUint(uint64(c.Table))
	w.WriteString(c.Key)
	w.WriteUint(uint64(len(c.Args)))
	for _, arg := range c.Args {
		w.WriteString(arg)
	}
	w.WriteBytes(c.Payload)
	return w.Bytes(), nil
}

// DeserializeCommand reconstructs a Command from its binary body.
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty command data")
	}

	cmd := &Command{Type: CommandType(data[0])}
	r := NewReader(data[1:])

	cmd.Table = r.readTableID()
	cmd.Key = r.ReadString()
	argc := r.ReadUint()
	if r.Err() == nil && argc > uint64(r.Remaining()) {
		return nil, fmt.Errorf("args count too large: %d", argc)
	}
	if argc > 0 {
		cmd.Args = make([]string, 0, argc)
		for i := uint64(0); i < argc && r.Err() == nil; i++ {
			cmd.Args = append(cmd.Args, r.ReadString())
		}
	}
	cmd.Payload = r.ReadBytes()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	return cmd, nil
}

// Serialize converts a Response into its binary body.
// The format varies by response type:
//   - RespOK/RespInvalidate: just the type byte
//   - RespError: length-prefixed message
//   - RespInt: varint
//   - RespRows: uvarint count + length-prefixed rows
//
// followed in every case by the invalidate list and the origin.
func (r *Response) Serialize() ([]byte, error) {
	w := NewWriter()
	w.buf = append(w.buf, byte(r.Type))

	switch r.Type {
	case RespOK, RespInvalidate:
	case RespError:
		w.WriteString(r.Error)
	case RespInt:
		w.WriteInt(r.Int)
	case RespRows:
		w.WriteUint(uint64(len(r.Rows)))
		for _, row := range r.Rows {
			w.WriteBytes(row)
		}
	default:
		return nil, fmt.Errorf("unknown response type: %d", r.Type)
	}

	w.WriteUint(uint64(len(r.Invalidate)))
	for _, id := range r.Invalidate {
		w.WriteUint(uint64(id))
	}
	w.WriteString(r.Origin)

	return w.Bytes(), nil
}

// DeserializeResponse reconstructs a Response from its binary body.
func DeserializeResponse(data []byte) (*Response, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response data")
	}

	resp := &Response{Type: ResponseType(data[0])}
	r := NewReader(data[1:])

	switch resp.Type {
	case RespOK, RespInvalidate:
	case RespError:
		resp.Error = r.ReadString()
	case RespInt:
		resp.Int = r.ReadInt()
	case RespRows:
		n := r.ReadUint()
		if r.Err() == nil && n > uint64(r.Remaining()) {
			return nil, fmt.Errorf("row count too large: %d", n)
		}
		resp.Rows = make([][]byte, 0, n)
		for i := uint64(0); i < n && r.Err() == nil; i++ {
			resp.Rows = append(resp.Rows, r.ReadBytes())
		}
	default:
		return nil, fmt.Errorf("unknown response type: %d", resp.Type)
	}

	n := r.ReadUint()
	if r.Err() == nil && n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("invalidate list too large: %d", n)
	}
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		resp.Invalidate = append(resp.Invalidate, r.readTableID())
	}
	resp.Origin = r.ReadString()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// ParseTableList parses a comma-separated list of table ids such as "1,4,7".
func ParseTableList(s string) ([]TableID, error) {
	var ids []TableID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid table id %q", part)
		}
		ids = append(ids, TableID(n))
	}
	return ids, nil
}

// FormatTableList is the inverse of ParseTableList.
func FormatTableList(ids []TableID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// WriteResponse writes a Response to w with a 4-byte length header.
func WriteResponse(w io.Writer, resp *Response) error {
	data, err := resp.Serialize()
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// ReadResponse reads one framed Response from r.
func ReadResponse(r io.Reader) (*Response, error) {
	data, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return DeserializeResponse(data)
}

// WriteCommand writes a Command to w with a 4-byte length header.
func WriteCommand(w io.Writer, cmd *Command) error {
	data, err := cmd.Serialize()
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

// ReadCommand reads one framed Command from r.
func ReadCommand(r io.Reader) (*Command, error) {
	data, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	return DeserializeCommand(data)
}

func writeFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	// Header and body go out in one write so a frame is never split
	// between two concurrent writers sharing a buffered connection.
	frame := make([]byte, protocolHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[protocolHeaderSize:], data)

	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	lengthBuf := make([]byte, protocolHeaderSize)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
