package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/linkmux/linkmux/internal/common"
	"github.com/linkmux/linkmux/internal/multiplex"
	"github.com/linkmux/linkmux/internal/rpc"
	log "github.com/sirupsen/logrus"
)

type RawConfig struct {
	// Transport is `tcp` or `websocket`. Defaults to `tcp`
	Transport string
	// Addr is the address the responder listens on and the initiator dials
	Addr string
	// AdminAddr is where the session admin API is served. Left empty, there is no admin API
	AdminAddr string // jsonOptional

	// MaxProtocolVersion caps the header version negotiated with the remote. Defaults to 2
	MaxProtocolVersion *int
	// MaxFrameSize is the largest payload proposed for a single frame. Defaults to 1500
	MaxFrameSize int
	// MaxPayloadSize is the largest payload length accepted from a header before the transport
	// is considered corrupt. Defaults to 1048576
	MaxPayloadSize int
	// MaxMessageSize bounds a reassembled inbound message. Defaults to 64 MiB
	MaxMessageSize int
	// QueueDepth is the number of frames a stream may have queued before its sender waits.
	// Defaults to 64
	QueueDepth int
	// RecvBufferSize is the number of bytes of unread messages a stream holds before further
	// inbound messages are dropped. Defaults to 16 MiB
	RecvBufferSize int
	// SeqBase is the sequence number of the first frame of a multi-frame message
	SeqBase uint8

	// ReassemblyTimeout is the number of seconds a partial message may go without a new frame
	// Defaults to 30
	ReassemblyTimeout int
	// PurgeInterval is the number of seconds between sweeps for stale partial messages.
	// Defaults to 5
	PurgeInterval int
	// RequestTimeout is the number of seconds an RPC request waits for its response.
	// Defaults to 10
	RequestTimeout int
	// CloseTimeout is the number of seconds queued messages are given when closing a session.
	// Defaults to 5
	CloseTimeout int

	// EncryptionMethod is `plain`, `aes-gcm` or `chacha20-poly1305`. Defaults to `plain`
	EncryptionMethod string
	// Key is the base64 encoded 32-byte pre-shared key used when EncryptionMethod is not plain
	Key string

	// RateLimit is the number of bytes per second read and written on the transport, each.
	// 0 means unlimited
	RateLimit int64
}

type Config struct {
	Transport   string
	Addr        string
	AdminAddr   string
	Multiplexer multiplex.MultiplexerConfig
	RPC         rpc.Config
}

// semi-colon separated value, for passing the whole configuration as one argument
func ssvToJson(ssv string) (ret []byte) {
	elem := func(val string, lst []string) bool {
		for _, v := range lst {
			if val == v {
				return true
			}
		}
		return false
	}
	unescape := func(s string) string {
		r := strings.Replace(s, `\\`, `\`, -1)
		r = strings.Replace(r, `\=`, `=`, -1)
		r = strings.Replace(r, `\;`, `;`, -1)
		return r
	}
	unquoted := []string{"MaxProtocolVersion", "MaxFrameSize", "MaxPayloadSize", "MaxMessageSize", "QueueDepth",
		"RecvBufferSize", "SeqBase", "ReassemblyTimeout", "PurgeInterval", "RequestTimeout", "CloseTimeout", "RateLimit"}
	lines := strings.Split(unescape(ssv), ";")
	ret = []byte("{")
	for _, ln := range lines {
		if ln == "" {
			break
		}
		sp := strings.SplitN(ln, "=", 2)
		if len(sp) < 2 {
			log.Errorf("Malformed config option: %v", ln)
			continue
		}
		key := sp[0]
		value := sp[1]
		// JSON doesn't like quotation marks around numbers
		if elem(key, unquoted) {
			ret = append(ret, []byte(`"`+key+`":`+value+`,`)...)
		} else {
			ret = append(ret, []byte(`"`+key+`":"`+value+`",`)...)
		}
	}
	if len(ret) > 1 {
		ret = ret[:len(ret)-1] // remove the last comma
	}
	ret = append(ret, '}')
	return ret
}

// ParseConfig reads conf as a semicolon separated Key=Value string if it looks like one, as a
// TOML file if it ends in .toml, and as a JSON file otherwise
func ParseConfig(conf string) (raw *RawConfig, err error) {
	raw = new(RawConfig)
	if strings.Contains(conf, ";") && strings.Contains(conf, "=") {
		err = json.Unmarshal(ssvToJson(conf), raw)
		return
	}

	content, err := os.ReadFile(conf)
	if err != nil {
		return
	}
	if strings.EqualFold(filepath.Ext(conf), ".toml") {
		var meta toml.MetaData
		meta, err = toml.Decode(string(content), raw)
		if err != nil {
			return nil, fmt.Errorf("load %v: %w", conf, err)
		}
		for _, key := range meta.Undecoded() {
			log.Warnf("unknown config option %v", key)
		}
		return
	}
	err = json.Unmarshal(content, raw)
	return
}

func seconds(n int, def time.Duration) time.Duration {
	if n == 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func (raw *RawConfig) Process(worldState common.WorldState) (cfg Config, err error) {
	switch strings.ToLower(raw.Transport) {
	case "", "tcp":
		cfg.Transport = "tcp"
	case "websocket", "ws":
		cfg.Transport = "websocket"
	default:
		err = fmt.Errorf("unknown transport %v", raw.Transport)
		return
	}
	if raw.Addr == "" {
		err = fmt.Errorf("Addr cannot be empty")
		return
	}
	cfg.Addr = raw.Addr
	cfg.AdminAddr = raw.AdminAddr

	mc := &cfg.Multiplexer
	if raw.MaxProtocolVersion != nil {
		v := *raw.MaxProtocolVersion
		if v < 0 || v > int(multiplex.MaxProtocolVersion) {
			err = fmt.Errorf("MaxProtocolVersion must be between 0 and %v", multiplex.MaxProtocolVersion)
			return
		}
		version := uint8(v)
		mc.MaxVersion = &version
	}

	mc.MaxPayloadSize = raw.MaxPayloadSize
	if mc.MaxPayloadSize == 0 {
		mc.MaxPayloadSize = multiplex.DefaultMaxPayloadSize
	}
	mc.Session.MaxFrameSize = raw.MaxFrameSize
	if mc.Session.MaxFrameSize == 0 {
		mc.Session.MaxFrameSize = multiplex.DefaultMaxFrameSize
	}
	if mc.Session.MaxFrameSize < 0 || mc.Session.MaxFrameSize > mc.MaxPayloadSize {
		err = fmt.Errorf("MaxFrameSize must be between 1 and MaxPayloadSize (%v)", mc.MaxPayloadSize)
		return
	}
	if raw.MaxMessageSize < 0 || raw.QueueDepth < 0 || raw.RecvBufferSize < 0 {
		err = fmt.Errorf("MaxMessageSize, QueueDepth and RecvBufferSize cannot be negative")
		return
	}
	mc.Session.MaxMessageSize = raw.MaxMessageSize
	mc.Session.RecvBufferSize = raw.RecvBufferSize
	mc.Session.SeqBase = raw.SeqBase
	mc.Session.CloseTimeout = seconds(raw.CloseTimeout, 0)
	mc.QueueDepth = raw.QueueDepth
	mc.ReassemblyTimeout = seconds(raw.ReassemblyTimeout, 0)
	mc.PurgeInterval = seconds(raw.PurgeInterval, 0)
	mc.World = worldState

	var method byte
	switch strings.ToLower(raw.EncryptionMethod) {
	case "plain", "":
		method = multiplex.EncryptionMethodPlain
	case "aes-gcm", "aes-256-gcm":
		method = multiplex.EncryptionMethodAESGCM
	case "chacha20-poly1305":
		method = multiplex.EncryptionMethodChacha20Poly1305
	default:
		err = fmt.Errorf("unknown encryption method %v", raw.EncryptionMethod)
		return
	}
	if method != multiplex.EncryptionMethodPlain {
		var key []byte
		key, err = base64.StdEncoding.DecodeString(raw.Key)
		if err != nil {
			err = fmt.Errorf("failed to parse Key: %w", err)
			return
		}
		if len(key) != 32 {
			err = fmt.Errorf("Key must be 32 bytes, got %v", len(key))
			return
		}
		var k [32]byte
		copy(k[:], key)
		mc.Session.Cipher, err = multiplex.MakePayloadCipher(method, k)
		if err != nil {
			return
		}
	}

	if raw.RateLimit < 0 {
		err = fmt.Errorf("RateLimit cannot be negative")
		return
	}
	mc.Valve = multiplex.MakeValve(raw.RateLimit, raw.RateLimit)

	cfg.RPC.RequestTimeout = seconds(raw.RequestTimeout, 0)
	cfg.RPC.World = worldState
	return
}
