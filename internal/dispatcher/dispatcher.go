// Package dispatcher translates a parsed RESP command into store
// operations and reply bytes. It performs no I/O and no locking beyond
// what the store itself does; the connection driver is responsible for
// actually writing bytes and registering replica links.
package dispatcher

import (
	"strconv"
	"strings"
	"time"

	"github.com/nullbyte-labs/respkv/internal/protocol"
	"github.com/nullbyte-labs/respkv/internal/replication"
	"github.com/nullbyte-labs/respkv/internal/store"
)

// Role identifies which side of a connection the dispatcher is running
// on, since a handful of commands behave differently for a replica link
// than for an ordinary client.
type Role int

const (
	// RoleClient is an ordinary client connection.
	RoleClient Role = iota
	// RolePrimaryOfReplica is a primary's connection to an attached
	// replica, after that replica's PSYNC has completed.
	RolePrimaryOfReplica
	// RoleReplicaOfPrimary is a replica's own connection to its
	// upstream primary, applying the streamed command log.
	RoleReplicaOfPrimary
)

// ConnContext carries everything Dispatch needs about the connection a
// command arrived on: which database it addresses, its replication role,
// and read access to server identity used by INFO/PSYNC.
type ConnContext struct {
	Role Role

	// Database is always 0 in this server; kept explicit because the
	// store is addressed by database index.
	Database int

	MasterReplID     string
	MasterReplOffset int64

	// Hub is the primary-side replica fan-out hub, used by INFO to report
	// connected_slaves. It is nil on a replica's connection to its own
	// upstream primary, which has no attached replicas of its own.
	Hub *replication.Hub

	ConfigDir        string
	ConfigDBFilename string

	// IsReplicaMode reports whether this server process is itself
	// running as a replica of some other primary (affects INFO's role
	// line independent of what this particular connection is).
	IsReplicaMode bool
}

// Result is the outcome of dispatching one command: the reply bytes to
// write back (nil means "write nothing", used for REPLCONF ACK), whether
// the original command should be fanned out to replicas, and the raw
// encoded form of the command to fan out (captured before dispatch
// mutates anything, since the dispatcher re-emits the command verbatim
// rather than re-encoding it from parsed arguments).
type Result struct {
	Reply      []byte
	Replicate  bool
	RawCommand []byte

	// BecomeReplicaLink is set by Psync: the connection driver must
	// register this connection's write side as a replica link after
	// writing Reply.
	BecomeReplicaLink bool

	// RegisterListeningPort is set by REPLCONF listening-port so the
	// connection driver can log the port the replica advertised. The
	// replica link created on PSYNC is keyed by the connection's remote
	// address, not by this port.
	RegisterListeningPort int
	HasListeningPort      bool
}

// Dispatch executes cmd against st in the context of a single connection.
// raw is the original encoded RESP array for cmd, used verbatim when the
// command is replicated.
func Dispatch(cmd *protocol.Command, ctx *ConnContext, st *store.Store, raw []byte) Result {
	if cmd == nil || len(cmd.Args) == 0 {
		return Result{Reply: protocol.EncodeError("ERR empty command")}
	}

	switch cmd.Name() {
	case "PING":
		return dispatchPing(cmd)
	case "ECHO":
		return dispatchEcho(cmd)
	case "GET":
		return dispatchGet(cmd, ctx, st)
	case "SET":
		return dispatchSet(cmd, ctx, st, raw)
	case "CONFIG":
		return dispatchConfig(cmd, ctx)
	case "KEYS":
		return dispatchKeys(cmd, ctx, st)
	case "INFO":
		return dispatchInfo(cmd, ctx)
	case "REPLCONF":
		return dispatchReplConf(cmd, ctx)
	case "PSYNC":
		return dispatchPsync(cmd, ctx)
	default:
		return Result{Reply: protocol.EncodeError("ERR unknown command '" + cmd.Name() + "'")}
	}
}

func dispatchPing(cmd *protocol.Command) Result {
	if len(cmd.Args) > 2 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'ping' command")}
	}
	if len(cmd.Args) == 2 {
		return Result{Reply: protocol.EncodeBulkString(cmd.Args[1])}
	}
	return Result{Reply: protocol.EncodeSimpleString("PONG")}
}

func dispatchEcho(cmd *protocol.Command) Result {
	if len(cmd.Args) != 2 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'echo' command")}
	}
	return Result{Reply: protocol.EncodeBulkString(cmd.Args[1])}
}

func dispatchGet(cmd *protocol.Command, ctx *ConnContext, st *store.Store) Result {
	if len(cmd.Args) != 2 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'get' command")}
	}

	payload, found, err := st.Get(ctx.Database, string(cmd.Args[1]))
	if err != nil {
		return Result{Reply: protocol.EncodeError("ERR " + err.Error())}
	}
	if !found {
		return Result{Reply: protocol.EncodeNullBulkString()}
	}
	return Result{Reply: protocol.EncodeBulkString(payload)}
}

func dispatchSet(cmd *protocol.Command, ctx *ConnContext, st *store.Store, raw []byte) Result {
	if len(cmd.Args) < 3 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'set' command")}
	}

	key := string(cmd.Args[1])
	val := cmd.Args[2]

	var expiry *time.Time
	for i := 3; i < len(cmd.Args); i++ {
		opt := strings.ToUpper(string(cmd.Args[i]))
		switch opt {
		case "PX", "EX":
			if i+1 >= len(cmd.Args) {
				return Result{Reply: protocol.EncodeError("ERR syntax error")}
			}
			n, err := strconv.ParseInt(string(cmd.Args[i+1]), 10, 64)
			if err != nil {
				return Result{Reply: protocol.EncodeError("ERR value is not an integer or out of range")}
			}
			var t time.Time
			if opt == "PX" {
				t = time.Now().Add(time.Duration(n) * time.Millisecond)
			} else {
				t = time.Now().Add(time.Duration(n) * time.Second)
			}
			expiry = &t
			i++
		default:
			return Result{Reply: protocol.EncodeError("ERR syntax error")}
		}
	}

	if err := st.Set(ctx.Database, key, store.Value{Payload: val, Expiry: expiry}); err != nil {
		return Result{Reply: protocol.EncodeError("ERR " + err.Error())}
	}

	// A replica never acknowledges a write applied from its own
	// upstream primary's stream: the primary neither expects nor reads
	// a reply on that connection.
	if ctx.Role == RoleReplicaOfPrimary {
		return Result{}
	}

	return Result{
		Reply:      protocol.EncodeSimpleString("OK"),
		Replicate:  true,
		RawCommand: raw,
	}
}

func dispatchConfig(cmd *protocol.Command, ctx *ConnContext) Result {
	if len(cmd.Args) < 2 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'config' command")}
	}

	sub := strings.ToUpper(string(cmd.Args[1]))
	if sub != "GET" || len(cmd.Args) != 3 {
		return Result{Reply: protocol.EncodeError("ERR unknown CONFIG subcommand")}
	}

	name := string(cmd.Args[2])
	var value string
	switch name {
	case "dir":
		value = ctx.ConfigDir
	case "dbfilename":
		value = ctx.ConfigDBFilename
	default:
		return Result{Reply: protocol.EncodeNullBulkString()}
	}

	return Result{Reply: protocol.EncodeArray(
		protocol.EncodeBulkString([]byte(name)),
		protocol.EncodeBulkString([]byte(value)),
	)}
}

func dispatchKeys(cmd *protocol.Command, ctx *ConnContext, st *store.Store) Result {
	if len(cmd.Args) != 2 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'keys' command")}
	}
	if string(cmd.Args[1]) != "*" {
		return Result{Reply: protocol.EncodeError("ERR only the '*' pattern is supported")}
	}

	keys, err := st.Keys(ctx.Database)
	if err != nil {
		return Result{Reply: protocol.EncodeError("ERR " + err.Error())}
	}

	items := make([][]byte, len(keys))
	for i, k := range keys {
		items[i] = []byte(k)
	}
	return Result{Reply: protocol.EncodeBulkStringArray(items)}
}

func dispatchInfo(cmd *protocol.Command, ctx *ConnContext) Result {
	section := ""
	if len(cmd.Args) > 1 {
		section = strings.ToLower(string(cmd.Args[1]))
	}

	if section != "replication" {
		return Result{Reply: protocol.EncodeNullBulkString()}
	}

	var b strings.Builder
	b.WriteString("# Replication\r\n")
	if ctx.IsReplicaMode {
		b.WriteString("role:slave\r\n")
	} else {
		b.WriteString("role:master\r\n")
		connectedSlaves := 0
		if ctx.Hub != nil {
			connectedSlaves = ctx.Hub.Count()
		}
		b.WriteString("connected_slaves:" + strconv.Itoa(connectedSlaves) + "\r\n")
	}
	b.WriteString("master_replid:" + ctx.MasterReplID + "\r\n")
	b.WriteString("master_repl_offset:" + strconv.FormatInt(ctx.MasterReplOffset, 10) + "\r\n")

	return Result{Reply: protocol.EncodeBulkString([]byte(b.String()))}
}

func dispatchReplConf(cmd *protocol.Command, ctx *ConnContext) Result {
	if len(cmd.Args) < 2 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'replconf' command")}
	}

	option := strings.ToLower(string(cmd.Args[1]))
	switch option {
	case "listening-port":
		if len(cmd.Args) < 3 {
			return Result{Reply: protocol.EncodeError("ERR wrong number of arguments")}
		}
		port, err := strconv.Atoi(string(cmd.Args[2]))
		if err != nil {
			return Result{Reply: protocol.EncodeError("ERR invalid port")}
		}
		return Result{
			Reply:                 protocol.EncodeSimpleString("OK"),
			HasListeningPort:      true,
			RegisterListeningPort: port,
		}

	case "capa":
		return Result{Reply: protocol.EncodeSimpleString("OK")}

	case "getack":
		// The offset is permanently frozen at 0 (see package replication
		// doc comment); this server never advances it.
		return Result{Reply: protocol.EncodeArray(
			protocol.EncodeBulkString([]byte("REPLCONF")),
			protocol.EncodeBulkString([]byte("ACK")),
			protocol.EncodeBulkString([]byte("0")),
		)}

	case "ack":
		// One-way: the primary records nothing (offset accounting is
		// out of scope) and sends no reply.
		return Result{}

	default:
		return Result{Reply: protocol.EncodeError("ERR unknown REPLCONF option '" + option + "'")}
	}
}

func dispatchPsync(cmd *protocol.Command, ctx *ConnContext) Result {
	if len(cmd.Args) != 3 {
		return Result{Reply: protocol.EncodeError("ERR wrong number of arguments for 'psync' command")}
	}

	header := protocol.EncodeSimpleString(
		"FULLRESYNC " + ctx.MasterReplID + " " + strconv.FormatInt(ctx.MasterReplOffset, 10),
	)
	return Result{
		Reply:             header,
		BecomeReplicaLink: true,
	}
}
