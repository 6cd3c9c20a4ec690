package main

import (
	"context"
	"crypto/md5"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh"

	"github.com/sammck-go/tunnelproxy/internal/sshtransport"
	"github.com/sammck-go/tunnelproxy/internal/tlog"
	"github.com/sammck-go/tunnelproxy/internal/tunnel"
	"github.com/sammck-go/tunnelproxy/internal/wstransport"
)

// Supervisor owns one Transport connection to the remote peer and the set
// of Proxy instances sharing it, reconnecting with backoff on transport
// loss and hot-reloading the tunnel list from the config file. The core
// tunnel.Proxy never retries on its own (spec.md §4.4); reconnection lives
// entirely out here, mirroring the teacher's client.go connectionLoop.
type Supervisor struct {
	log        tlog.Logger
	configPath string

	mu      sync.Mutex
	cfg     *Config
	proxies map[string]*tunnel.Proxy
}

// NewSupervisor loads the initial config from configPath.
func NewSupervisor(log tlog.Logger, configPath string) (*Supervisor, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		log:        log,
		configPath: configPath,
		cfg:        cfg,
		proxies:    make(map[string]*tunnel.Proxy),
	}, nil
}

// Run connects to the configured peer, keeps reconnecting with backoff
// whenever the transport drops, and watches the config file for tunnel-list
// changes. It blocks until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	go sv.watchConfig(ctx)

	b := &backoff.Backoff{Max: 5 * time.Minute}
	for {
		transport, err := sv.dial(ctx)
		if err != nil {
			sv.log.Errorf("connect failed: %s", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
			continue
		}
		b.Reset()

		lost := make(chan struct{})
		transport.OnClose(func(error) { close(lost) })

		go sv.routeMessages(transport)
		sv.startAllTunnels(transport)

		select {
		case <-ctx.Done():
			sv.closeAllTunnels()
			transport.Close()
			return ctx.Err()
		case <-lost:
			sv.log.Infof("transport lost, reconnecting")
			sv.closeAllTunnels()
		}
	}
}

func (sv *Supervisor) dial(ctx context.Context) (tunnel.Transport, error) {
	sv.mu.Lock()
	cfg := sv.cfg
	sv.mu.Unlock()

	switch cfg.Transport {
	case "", "ws":
		return wstransport.Dial(cfg.Server, nil, sv.log)
	case "ssh":
		return sv.dialSSH(cfg)
	default:
		return nil, fmt.Errorf("tunnelproxy: unknown transport %q", cfg.Transport)
	}
}

// parseAuth splits a "user:password" string, adapted from the teacher's
// chshare.ParseAuth (share/user.go), which lives in an internal package and
// so cannot be imported directly.
func parseAuth(auth string) (string, string) {
	if idx := strings.IndexByte(auth, ':'); idx >= 0 {
		return auth[:idx], auth[idx+1:]
	}
	return "", ""
}

// fingerprintKey renders an SSH public key as a colon-separated hex MD5
// fingerprint, adapted from the teacher's chshare.FingerprintKey
// (share/ssh.go).
func fingerprintKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

func (sv *Supervisor) dialSSH(cfg *Config) (tunnel.Transport, error) {
	user, pass := parseAuth(cfg.Auth)
	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: sv.hostKeyCallback(cfg.Fingerprint),
		Timeout:         30 * time.Second,
	}

	conn, err := ssh.Dial("tcp", cfg.Server, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("tunnelproxy: ssh dial %s: %w", cfg.Server, err)
	}
	ch, reqs, err := conn.OpenChannel("tunnelproxy", nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tunnelproxy: ssh open channel: %w", err)
	}
	return sshtransport.Wrap(ch, reqs, sv.log), nil
}

// hostKeyCallback pins the server's SSH host key to the configured
// fingerprint, mirroring the teacher client's "fingerprint" option. An
// empty fingerprint accepts any host key, matching an empty Fingerprint
// field in the config.
func (sv *Supervisor) hostKeyCallback(fingerprint string) ssh.HostKeyCallback {
	if fingerprint == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		got := fingerprintKey(key)
		if !strings.HasPrefix(got, fingerprint) {
			return fmt.Errorf("tunnelproxy: invalid fingerprint (got %s, want prefix %s)", got, fingerprint)
		}
		return nil
	}
}

func (sv *Supervisor) routeMessages(transport tunnel.Transport) {
	for frame := range transport.Messages() {
		msg, err := tunnel.Decode(frame)
		if err != nil {
			sv.log.Debugf("dropping malformed frame: %s", err)
			continue
		}
		sv.mu.Lock()
		p := sv.proxies[msg.TunnelId]
		sv.mu.Unlock()
		if p != nil {
			p.Receive(msg)
		}
	}
}

func (sv *Supervisor) startAllTunnels(transport tunnel.Transport) {
	sv.mu.Lock()
	cfg := sv.cfg
	sv.mu.Unlock()

	for _, tc := range cfg.Tunnels {
		sv.startTunnel(tc, transport)
	}
}

func (sv *Supervisor) startTunnel(tc TunnelConfig, transport tunnel.Transport) {
	p, err := tunnel.Create(tc.TunnelId, tc.LocalPort, tc.RemotePort, tc.UseIPv4, transport, sv.log)
	if err != nil {
		sv.log.Errorf("create tunnel %s failed: %s", tc.TunnelId, err)
		return
	}
	if err := p.StartListening(); err != nil {
		sv.log.Errorf("tunnel %s failed to listen: %s", tc.TunnelId, err)
		return
	}
	sv.mu.Lock()
	sv.proxies[tc.TunnelId] = p
	sv.mu.Unlock()
}

func (sv *Supervisor) closeAllTunnels() {
	sv.mu.Lock()
	proxies := sv.proxies
	sv.proxies = make(map[string]*tunnel.Proxy)
	sv.mu.Unlock()

	for _, p := range proxies {
		p.Close()
	}
}

// watchConfig hot-reloads the tunnel list when configPath changes on disk,
// adding Proxy instances for new entries and closing ones that were
// removed, matching spec.md §5 "multiple proxies may share a single
// transport."
func (sv *Supervisor) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sv.log.Warnf("config watch disabled: %s", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(sv.configPath); err != nil {
		sv.log.Warnf("config watch disabled: %s", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-watcher.Errors:
			sv.log.Warnf("config watch error: %s", err)
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			sv.reload()
		}
	}
}

func (sv *Supervisor) reload() {
	newCfg, err := LoadConfig(sv.configPath)
	if err != nil {
		sv.log.Warnf("config reload failed: %s", err)
		return
	}

	sv.mu.Lock()
	oldCfg := sv.cfg
	sv.cfg = newCfg
	sv.mu.Unlock()

	if oldCfg.Server != newCfg.Server || oldCfg.Transport != newCfg.Transport {
		sv.log.Infof("server/transport changed, reconnecting")
		sv.mu.Lock()
		var transport tunnel.Transport
		for _, p := range sv.proxies {
			transport = p.Transport()
			break
		}
		sv.mu.Unlock()
		sv.closeAllTunnels()
		// Closing the live transport makes Run redial with the new config.
		if transport != nil {
			transport.Close()
		}
		return
	}

	wanted := make(map[string]TunnelConfig, len(newCfg.Tunnels))
	for _, tc := range newCfg.Tunnels {
		wanted[tc.TunnelId] = tc
	}

	sv.mu.Lock()
	var toRemove []string
	for id := range sv.proxies {
		if _, ok := wanted[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	sv.mu.Unlock()

	for _, id := range toRemove {
		sv.mu.Lock()
		p := sv.proxies[id]
		delete(sv.proxies, id)
		sv.mu.Unlock()
		if p != nil {
			sv.log.Infof("tunnel %s removed from config, closing", id)
			p.Close()
		}
	}

	for id, tc := range wanted {
		sv.mu.Lock()
		_, exists := sv.proxies[id]
		sv.mu.Unlock()
		if !exists {
			sv.log.Infof("tunnel %s added to config", id)
			sv.addTunnelToLiveTransport(tc)
		}
	}
}

// addTunnelToLiveTransport starts tc against whichever transport the
// currently running tunnels are using. It is a no-op if no tunnel is
// currently running to borrow a transport reference from (the next
// reconnect cycle will pick up tc from the reloaded config either way).
func (sv *Supervisor) addTunnelToLiveTransport(tc TunnelConfig) {
	sv.mu.Lock()
	var transport tunnel.Transport
	for _, p := range sv.proxies {
		transport = p.Transport()
		break
	}
	sv.mu.Unlock()
	if transport == nil {
		return
	}
	sv.startTunnel(tc, transport)
}
