package server

import (
	"errors"

	"github.com/aoserv/aoserv-client/internal/store"
	"github.com/aoserv/aoserv-client/pkg/protocol"
)

func (s *Server) handleTestConnection(_ *session, _ *protocol.Command) *protocol.Response {
	return &protocol.Response{Type: protocol.RespOK}
}

// handleGetTable returns every row of a table in key order.
func (s *Server) handleGetTable(_ *session, cmd *protocol.Command) *protocol.Response {
	if cmd.Table == 0 {
		return errorResponse("GET_TABLE requires a table")
	}
	return &protocol.Response{Type: protocol.RespRows, Rows: s.store.All(cmd.Table)}
}

// handleGetObject returns zero or one row.
func (s *Server) handleGetObject(_ *session, cmd *protocol.Command) *protocol.Response {
	if cmd.Table == 0 {
		return errorResponse("GET_OBJECT requires a table")
	}
	resp := &protocol.Response{Type: protocol.RespRows, Rows: [][]byte{}}
	if row, ok := s.store.Get(cmd.Table, cmd.Key); ok {
		resp.Rows = append(resp.Rows, row)
	}
	return resp
}

func (s *Server) handleGetRowCount(_ *session, cmd *protocol.Command) *protocol.Response {
	if cmd.Table == 0 {
		return errorResponse("GET_ROW_COUNT requires a table")
	}
	return &protocol.Response{Type: protocol.RespInt, Int: int64(s.store.Count(cmd.Table))}
}

func (s *Server) handleAdd(sess *session, cmd *protocol.Command) *protocol.Response {
	return s.put(sess, cmd, true)
}

func (s *Server) handleUpdate(sess *session, cmd *protocol.Command) *protocol.Response {
	return s.put(sess, cmd, false)
}

func (s *Server) put(sess *session, cmd *protocol.Command, insert bool) *protocol.Response {
	if cmd.Table == 0 || len(cmd.Payload) == 0 {
		return errorResponse("%s requires a table and a row", cmd.Type)
	}

	if err := s.store.Put(cmd.Table, cmd.Key, cmd.Payload, insert); err != nil {
		switch {
		case errors.Is(err, store.ErrExists):
			return errorResponse("table %d: key %q already exists", cmd.Table, cmd.Key)
		case errors.Is(err, store.ErrNotFound):
			return errorResponse("table %d: key %q not found", cmd.Table, cmd.Key)
		default:
			return errorResponse("table %d: %v", cmd.Table, err)
		}
	}

	sess.log.Debug().Stringer("command", cmd.Type).Uint16("table_id", uint16(cmd.Table)).Str("key", cmd.Key).Msg("row stored")
	return s.changed(sess, cmd.Table, &protocol.Response{Type: protocol.RespOK})
}

// handleRemove answers 1 when a row was removed and 0 otherwise. Only a real
// removal invalidates anything.
func (s *Server) handleRemove(sess *session, cmd *protocol.Command) *protocol.Response {
	if cmd.Table == 0 {
		return errorResponse("REMOVE requires a table")
	}
	if !s.store.Delete(cmd.Table, cmd.Key) {
		return &protocol.Response{Type: protocol.RespInt, Int: 0}
	}
	return s.changed(sess, cmd.Table, &protocol.Response{Type: protocol.RespInt, Int: 1})
}

// handleInvalidateTable reports a table as changed without touching rows,
// for changes made behind the master's back.
func (s *Server) handleInvalidateTable(sess *session, cmd *protocol.Command) *protocol.Response {
	if cmd.Table == 0 {
		return errorResponse("INVALIDATE_TABLE requires a table")
	}
	return s.changed(sess, cmd.Table, &protocol.Response{Type: protocol.RespOK})
}
