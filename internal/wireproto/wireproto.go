// Package wireproto implements the line-framed master<->worker wire
// protocol (spec §4.E/§4.F): encoding and parsing of PASSV/PASSL/SETCRED/
// USER command lines and OK/FAIL/NOTFOUND/SHUTDOWN reply lines. Both
// internal/worker (the master-side client) and internal/workerserver (the
// worker-side dispatcher) depend on this package so the framing logic
// exists exactly once.
package wireproto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aras-services/mailauthd/internal/replybuffer"
)

// ErrMalformedFrame is returned when a line cannot be parsed as
// "<id>\t<field>\t<field>...".
var ErrMalformedFrame = errors.New("wireproto: malformed frame")

// Command names, sent master -> worker.
const (
	CmdPASSV   = "PASSV"   // verify_plain
	CmdPASSL   = "PASSL"   // lookup_credentials
	CmdSETCRED = "SETCRED" // set_credentials
	CmdUSER    = "USER"    // userdb lookup
)

// Reply kinds, sent worker -> master.
const (
	ReplyOK       = "OK"
	ReplyFAIL     = "FAIL"
	ReplyNOTFOUND = "NOTFOUND"
	ReplySHUTDOWN = "SHUTDOWN"
)

func escapeFields(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = replybuffer.Escape(f)
	}
	return out
}

// encodeFrame builds "<id>\t<field>\t<field>...\n" with each field
// individually escaped so an embedded TAB or LF (a password, say) cannot
// be mistaken for a frame boundary.
func encodeFrame(id uint64, fields ...string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(id, 10))
	for _, f := range escapeFields(fields) {
		b.WriteByte('\t')
		b.WriteString(f)
	}
	b.WriteByte('\n')
	return b.String()
}

// parseFrame splits a received line (without its trailing newline) into
// its id and unescaped fields.
func parseFrame(line string) (id uint64, fields []string, err error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return 0, nil, ErrMalformedFrame
	}
	id, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: bad id: %v", ErrMalformedFrame, err)
	}
	fields = make([]string, len(parts)-1)
	for i, p := range parts[1:] {
		fields[i] = replybuffer.Unescape(p)
	}
	return id, fields, nil
}

// Command is a decoded master -> worker request line.
type Command struct {
	ID     uint64
	Name   string
	DBID   int
	User   string
	Arg    string // password (PASSV), scheme (PASSL), new credential (SETCRED); empty for USER
	Extra  string // extra fields already accumulated on the request, replayed verbatim
}

// EncodePASSV encodes a verify_plain dispatch.
func EncodePASSV(id uint64, passdbID int, user, password, extra string) string {
	return encodeFrame(id, CmdPASSV, strconv.Itoa(passdbID), user, password, extra)
}

// EncodePASSL encodes a lookup_credentials dispatch.
func EncodePASSL(id uint64, passdbID int, user, requestedScheme, extra string) string {
	return encodeFrame(id, CmdPASSL, strconv.Itoa(passdbID), user, requestedScheme, extra)
}

// EncodeSETCRED encodes a set_credentials dispatch.
func EncodeSETCRED(id uint64, passdbID int, user, newCredential, extra string) string {
	return encodeFrame(id, CmdSETCRED, strconv.Itoa(passdbID), user, newCredential, extra)
}

// EncodeUSER encodes a userdb lookup dispatch.
func EncodeUSER(id uint64, userdbID int, user string) string {
	return encodeFrame(id, CmdUSER, strconv.Itoa(userdbID), user, "", "")
}

// DecodeCommand parses a master -> worker request line.
func DecodeCommand(line string) (Command, error) {
	id, fields, err := parseFrame(line)
	if err != nil {
		return Command{}, err
	}
	if len(fields) < 5 {
		return Command{}, fmt.Errorf("%w: command %q has %d fields, want 5", ErrMalformedFrame, line, len(fields))
	}
	name := fields[0]
	dbID, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: bad db id: %v", ErrMalformedFrame, err)
	}
	switch name {
	case CmdPASSV, CmdPASSL, CmdSETCRED, CmdUSER:
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrMalformedFrame, name)
	}
	return Command{ID: id, Name: name, DBID: dbID, User: fields[2], Arg: fields[3], Extra: fields[4]}, nil
}

// Reply is a decoded worker -> master reply line.
type Reply struct {
	ID     uint64
	Kind   string // ReplyOK / ReplyFAIL / ReplyNOTFOUND / ReplySHUTDOWN
	Code   int    // populated only for ReplyFAIL, per spec §6 wire codes
	Fields string // extra-fields payload, present on OK
}

// EncodeOK encodes a successful reply. fields is the raw tab-separated
// extra-fields payload (already escaped by replybuffer), carried as a
// single field; encodeFrame escapes its embedded tabs like any other
// field and DecodeReply restores them.
func EncodeOK(id uint64, fields string) string {
	return encodeFrame(id, ReplyOK, fields)
}

// EncodeFail encodes a failure reply carrying one of the stable wire codes
// from spec §6 (PassResult.WireCode()).
func EncodeFail(id uint64, code int) string {
	return encodeFrame(id, ReplyFAIL, strconv.Itoa(code))
}

// EncodeNotFound encodes a userdb miss.
func EncodeNotFound(id uint64) string {
	return encodeFrame(id, ReplyNOTFOUND)
}

// EncodeShutdown encodes a worker's unsolicited shutdown notice. It
// carries no request id; callers should use a sentinel (0) when framing.
func EncodeShutdown() string {
	return encodeFrame(0, ReplySHUTDOWN)
}

// DecodeReply parses a worker -> master reply line.
func DecodeReply(line string) (Reply, error) {
	id, fields, err := parseFrame(line)
	if err != nil {
		return Reply{}, err
	}
	if len(fields) < 1 {
		return Reply{}, ErrMalformedFrame
	}
	switch fields[0] {
	case ReplyOK:
		payload := ""
		if len(fields) > 1 {
			payload = fields[1]
		}
		return Reply{ID: id, Kind: ReplyOK, Fields: payload}, nil
	case ReplyFAIL:
		if len(fields) < 2 {
			return Reply{}, fmt.Errorf("%w: FAIL reply missing code", ErrMalformedFrame)
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return Reply{}, fmt.Errorf("%w: bad FAIL code: %v", ErrMalformedFrame, err)
		}
		return Reply{ID: id, Kind: ReplyFAIL, Code: code}, nil
	case ReplyNOTFOUND:
		return Reply{ID: id, Kind: ReplyNOTFOUND}, nil
	case ReplySHUTDOWN:
		return Reply{ID: id, Kind: ReplySHUTDOWN}, nil
	default:
		return Reply{}, fmt.Errorf("%w: unknown reply kind %q", ErrMalformedFrame, fields[0])
	}
}
