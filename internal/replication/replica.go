package replication

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/nullbyte-labs/respkv/internal/protocol"
	"github.com/nullbyte-labs/respkv/internal/rdb"
)

// ReplicaClient performs the replica side of the handshake protocol and
// then streams commands from an established primary connection.
type ReplicaClient struct {
	conn net.Conn
}

// Handshake dials masterAddr and performs the five sequential steps of the
// replica handshake: PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1, then reads the raw snapshot frame. Each step is strictly
// sequential; a short or partial reply is tolerated by retrying reads, but
// failure of any step is fatal and returned to the caller.
//
// The returned Decoder is the same instance used to read the raw snapshot
// frame and must be passed to Stream: per spec.md 9's mixed-content
// connection note, one codec instance owns both the raw-byte-count read of
// the snapshot and the framed command decoding that follows it on the same
// socket, so bytes the primary pipelines immediately after the snapshot
// are never lost between two independently-buffered readers.
func (c *ReplicaClient) Handshake(ctx context.Context, masterAddr string, localPort int) (*rdb.Snapshot, *protocol.Decoder, *bufio.Reader, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", masterAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication: dial master: %w", err)
	}
	c.conn = conn

	r := bufio.NewReader(conn)

	if err := c.step(conn, r, protocol.EncodeArray(protocol.EncodeBulkString([]byte("PING"))), "PING"); err != nil {
		return nil, nil, nil, err
	}

	portArg := strconv.Itoa(localPort)
	listeningPort := protocol.EncodeArray(
		protocol.EncodeBulkString([]byte("REPLCONF")),
		protocol.EncodeBulkString([]byte("listening-port")),
		protocol.EncodeBulkString([]byte(portArg)),
	)
	if err := c.step(conn, r, listeningPort, "REPLCONF listening-port"); err != nil {
		return nil, nil, nil, err
	}

	capa := protocol.EncodeArray(
		protocol.EncodeBulkString([]byte("REPLCONF")),
		protocol.EncodeBulkString([]byte("capa")),
		protocol.EncodeBulkString([]byte("psync2")),
	)
	if err := c.step(conn, r, capa, "REPLCONF capa psync2"); err != nil {
		return nil, nil, nil, err
	}

	psync := protocol.EncodeArray(
		protocol.EncodeBulkString([]byte("PSYNC")),
		protocol.EncodeBulkString([]byte("?")),
		protocol.EncodeBulkString([]byte("-1")),
	)
	if _, err := conn.Write(psync); err != nil {
		return nil, nil, nil, fmt.Errorf("replication: send PSYNC: %w", err)
	}

	line, err := readLine(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication: read FULLRESYNC reply: %w", err)
	}
	if !strings.HasPrefix(line, "+FULLRESYNC") {
		return nil, nil, nil, fmt.Errorf("replication: unexpected PSYNC reply %q", line)
	}

	dec := protocol.NewDecoder()
	payload, err := readRawFrame(dec, r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication: read snapshot frame: %w", err)
	}

	snap, err := rdb.Read(bytes.NewReader(payload))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("replication: decode snapshot: %w", err)
	}

	return snap, dec, r, nil
}

// step writes cmd and waits for any reply line, treating the round trip
// as fatal on I/O failure. The reply content itself is not validated
// beyond being present, matching a handshake that "tolerates" whatever
// acknowledgement form the primary used.
func (c *ReplicaClient) step(conn net.Conn, r *bufio.Reader, cmd []byte, label string) error {
	if _, err := conn.Write(cmd); err != nil {
		return fmt.Errorf("replication: send %s: %w", label, err)
	}
	if _, err := readLine(r); err != nil {
		return fmt.Errorf("replication: read %s reply: %w", label, err)
	}
	return nil
}

// readLine reads one CRLF-terminated line without the trailing CRLF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readRawFrame reads the no-trailing-CRLF snapshot frame that follows a
// FULLRESYNC reply: a bulk-string-style length header, then exactly that
// many raw bytes with no CRLF terminator. The header line is read directly
// off r since it is plain text, not a RESP value; the payload itself is
// read through dec.ReadRaw so dec ends up holding any bytes the primary
// pipelined past the snapshot, ready for Stream to decode as commands.
func readRawFrame(dec *protocol.Decoder, r *bufio.Reader) ([]byte, error) {
	header, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(header, "$") {
		return nil, fmt.Errorf("replication: expected bulk length header, got %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("replication: invalid snapshot length %q", header)
	}

	buf := make([]byte, 4096)
	for {
		if payload, ok := dec.ReadRaw(n); ok {
			return payload, nil
		}
		read, err := r.Read(buf)
		if err != nil {
			return nil, err
		}
		dec.Feed(buf[:read])
	}
}

// Stream consumes commands from the primary connection and applies each
// through apply, running until the connection closes or ctx is cancelled.
// dec is the same Decoder returned by Handshake, so any bytes buffered
// ahead during the snapshot read are decoded as the first commands here.
// REPLCONF GETACK is special-cased: the reply apply returns for it is
// written back on the same connection (the only reply this loop ever
// sends upstream; replies apply returns for any other command, such as
// PING, are discarded, and SET is applied silently).
func (c *ReplicaClient) Stream(ctx context.Context, dec *protocol.Decoder, r *bufio.Reader, apply func(*protocol.Command) []byte) error {
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for {
			cmd, err := dec.Next()
			if err != nil {
				return fmt.Errorf("replication: decode error in stream: %w", err)
			}
			if cmd == nil {
				break
			}

			reply := apply(cmd)
			isGetAck := cmd.Name() == "REPLCONF" && len(cmd.Args) > 1 &&
				strings.EqualFold(string(cmd.Args[1]), "GETACK")
			if reply != nil && isGetAck {
				if _, err := c.conn.Write(reply); err != nil {
					return fmt.Errorf("replication: write ack: %w", err)
				}
			}
		}

		n, err := r.Read(buf)
		if err != nil {
			return fmt.Errorf("replication: read from primary: %w", err)
		}
		dec.Feed(buf[:n])
	}
}

// Close closes the underlying connection to the primary.
func (c *ReplicaClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
