// Package redisstub serves the small slice of the Redis protocol the flight
// lease needs, so lease tests run without a real Redis.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

// Server understands PING, AUTH, SELECT, GET, SET (NX, PX, EX), DEL, PTTL and
// EVAL for compare-and-delete and compare-and-pexpire scripts. EVALSHA always
// answers NOSCRIPT so clients fall back to EVAL.
type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	commands map[string]int
	closed   chan struct{}
	tlsCert  tls.Certificate
	certPEM  []byte
	keyPEM   []byte
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	var ln net.Listener
	var err error
	server := &Server{
		opts:     opts,
		kv:       make(map[string]*kvEntry),
		commands: make(map[string]int),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	if opts.EnableTLS {
		certPEM, keyPEM, cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, err
		}
		server.tlsCert = cert
		server.certPEM = certPEM
		server.keyPEM = keyPEM
		tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Get returns the live value stored at key.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

// Set stores value at key with an optional ttl, bypassing the protocol.
func (s *Server) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
}

// TTL reports the remaining lifetime of key, or zero when it has none.
func (s *Server) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil || entry.expiry.IsZero() {
		return 0
	}
	return time.Until(entry.expiry)
}

// CommandCount reports how often a command was received.
func (s *Server) CommandCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		s.mu.Unlock()

		var werr error
		switch cmd {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "AUTH":
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
				break
			}
			password := args[len(args)-1]
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "HELLO":
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "SELECT", "CLIENT":
			werr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, cmd, args[1:])
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "GET":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.Get(args[0])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "SET":
		return s.handleSet(writer, args)
	case "DEL":
		s.mu.Lock()
		removed := int64(0)
		for _, key := range args {
			if s.liveEntry(key) != nil {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, removed)
	case "PTTL":
		if len(args) != 1 {
			return writeError(writer, "ERR wrong number of arguments for 'pttl'")
		}
		s.mu.Lock()
		entry := s.liveEntry(args[0])
		s.mu.Unlock()
		switch {
		case entry == nil:
			return writeInteger(writer, -2)
		case entry.expiry.IsZero():
			return writeInteger(writer, -1)
		default:
			return writeInteger(writer, time.Until(entry.expiry).Milliseconds())
		}
	case "EVALSHA":
		return writeError(writer, "NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		return s.handleEval(writer, args)
	default:
		return writeError(writer, "ERR unsupported command '"+strings.ToLower(cmd)+"'")
	}
}

func (s *Server) handleSet(writer *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(writer, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[0], args[1]
	var (
		nx  bool
		ttl time.Duration
	)
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "PX", "EX":
			if i+1 >= len(args) {
				return writeError(writer, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(writer, "ERR invalid expire time in 'set' command")
			}
			if strings.EqualFold(args[i], "PX") {
				ttl = time.Duration(n) * time.Millisecond
			} else {
				ttl = time.Duration(n) * time.Second
			}
			i++
		default:
			return writeError(writer, "ERR syntax error")
		}
	}

	s.mu.Lock()
	if nx && s.liveEntry(key) != nil {
		s.mu.Unlock()
		return writeBulkNil(writer)
	}
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
	s.mu.Unlock()
	return writeSimpleString(writer, "OK")
}

// handleEval runs the two guarded scripts the lease uses: delete or pexpire
// KEYS[1] only while it still holds ARGV[1].
func (s *Server) handleEval(writer *bufio.Writer, args []string) error {
	if len(args) < 2 {
		return writeError(writer, "ERR wrong number of arguments for 'eval'")
	}
	script := strings.ToLower(args[0])
	numKeys, err := strconv.Atoi(args[1])
	if err != nil || numKeys != 1 || len(args) < 4 {
		return writeError(writer, "ERR stub supports one key and at least one argument")
	}
	key, token := args[2], args[3]

	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil || entry.value != token {
		return writeInteger(writer, 0)
	}
	switch {
	case strings.Contains(script, "pexpire"):
		if len(args) < 5 {
			return writeError(writer, "ERR missing ttl argument")
		}
		ms, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid ttl argument")
		}
		entry.expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
		return writeInteger(writer, 1)
	case strings.Contains(script, "del"):
		delete(s.kv, key)
		return writeInteger(writer, 1)
	default:
		return writeError(writer, "ERR unsupported script")
	}
}

// liveEntry returns the entry at key, dropping it when expired. Callers hold
// s.mu.
func (s *Server) liveEntry(key string) *kvEntry {
	entry := s.kv[key]
	if entry == nil {
		return nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func generateSelfSignedCert() ([]byte, []byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, nil, tls.Certificate{}, err
	}
	return certPEM, keyPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
