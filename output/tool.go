// Package output hands descrambled transport stream to downstream
// consumers: an external command fed on stdin or over UDP, or a bare UDP
// destination.
package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"sync"

	"github.com/Comcast/gots/packet"

	"github.com/RabbitLabs/dvbsc/internal/log"
)

// Config describes how to launch a consumer.
type Config struct {
	// command to execute, empty to only stream to UDP
	Command string `yaml:"command"`
	// arguments, ${name} is replaced from the start parameters, ${_portin_}
	// and ${_workdir_} from the configuration
	Args    string `yaml:"args"`
	WorkDir string `yaml:"workdir"`
	// host to send UDP to, default localhost
	Host string `yaml:"host"`
	// send data over UDP instead of stdin (0 to use stdin)
	PortIn uint16 `yaml:"portin"`
	// value added to ports for this instance
	PortOffset uint16 `yaml:"portoffset"`
	// written to stdin to make the command exit, killed when empty
	ExitCommand string `yaml:"exitcommand"`
	// don't log stdout
	MuteStdOut bool `yaml:"mutestdout"`
	// push null packets after the exit command
	DummyDataOnExit bool `yaml:"dummydataonexit"`
}

var argsRegexp = regexp.MustCompile(`'.+'|".+"|\S+`)

// udpBatch is the number of packets per datagram, 7*188 fits an ethernet MTU
const udpBatch = 7

type Tool struct {
	config Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	udp     *net.UDPConn
	pending []byte
	written uint64
	wg      sync.WaitGroup
}

func NewTool(config Config) *Tool {
	t := &Tool{config: config}

	if config.WorkDir != "" {
		if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
			log.Sugar.Warnf("cannot create working directory %s for %s: %s", config.WorkDir, config.Command, err.Error())
		}
	}
	return t
}

func (t *Tool) port() int {
	return int(t.config.PortIn + t.config.PortOffset)
}

// Start launches the command, if any, and opens the UDP destination.
func (t *Tool) Start(params map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.PortIn != 0 {
		host := t.config.Host
		if host == "" {
			host = "127.0.0.1"
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(t.port())))
		if err != nil {
			return err
		}
		t.udp, err = net.DialUDP("udp", nil, addr)
		if err != nil {
			return fmt.Errorf("cannot open port %d for streaming: %w", t.port(), err)
		}
		if err := t.udp.SetWriteBuffer(1024 * 1024); err != nil {
			log.Sugar.Debugf("udp write buffer: %s", err.Error())
		}
	}

	if t.config.Command == "" {
		if t.udp == nil {
			return errors.New("output: neither command nor udp port configured")
		}
		return nil
	}

	args := os.Expand(t.config.Args, func(s string) string {
		switch s {
		case "_portin_":
			return fmt.Sprint(t.port())
		case "_workdir_":
			return t.config.WorkDir
		}
		return params[s]
	})

	log.Sugar.Infof("running command %s with args %s", t.config.Command, args)
	cmd := exec.Command(t.config.Command, argsRegexp.FindAllString(args, -1)...)
	cmd.Dir = t.config.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	t.cmd = cmd
	t.stdin = stdin

	t.wg.Add(2)
	go t.logLines(stdout, t.config.MuteStdOut)
	go t.logLines(stderr, false)
	return nil
}

func (t *Tool) logLines(r io.Reader, mute bool) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !mute {
			log.Sugar.Infof("%s: %s", t.config.Command, scanner.Text())
		}
	}
}

// ProcessPacket forwards one packet. UDP output is sent in batches.
func (t *Tool) ProcessPacket(p *packet.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.written++
	if t.udp != nil {
		t.pending = append(t.pending, p[:]...)
		if len(t.pending) < udpBatch*packet.PacketSize {
			return nil
		}
		return t.flush()
	}
	if t.stdin != nil {
		_, err := t.stdin.Write(p[:])
		return err
	}
	return nil
}

// flush must be called with mu held
func (t *Tool) flush() error {
	if len(t.pending) == 0 {
		return nil
	}
	_, err := t.udp.Write(t.pending)
	t.pending = t.pending[:0]
	return err
}

// Written is the number of packets handed to the tool.
func (t *Tool) Written() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.written
}

func (t *Tool) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.udp != nil {
		_ = t.flush()
	}

	if t.stdin != nil && t.config.ExitCommand != "" {
		log.Sugar.Infof("send exit command to %s", t.config.Command)
		_, _ = t.stdin.Write([]byte(t.config.ExitCommand))

		if t.config.DummyDataOnExit {
			null := packet.Packet{0x47, 0x1F, 0xFF, 0x10}
			for i := 0; i < 128; i++ {
				_, _ = t.stdin.Write(null[:])
			}
		}
	}

	if t.cmd != nil {
		if t.config.ExitCommand == "" {
			_ = t.cmd.Process.Kill()
		}
		if t.stdin != nil {
			t.stdin.Close()
		}
		t.wg.Wait()
		if err := t.cmd.Wait(); err != nil {
			log.Sugar.Debugf("%s exited: %s", t.config.Command, err.Error())
		}
		t.cmd = nil
		t.stdin = nil
	}

	if t.udp != nil {
		t.udp.Close()
		t.udp = nil
	}
	log.Sugar.Infof("output %s stopped", t.name())
}

func (t *Tool) name() string {
	if t.config.Command != "" {
		return t.config.Command
	}
	return fmt.Sprintf("udp:%d", t.port())
}

// Source is where Pump reads packets from; a nil packet means none was
// ready in time.
type Source interface {
	GetTSPacket(ctx context.Context) (*packet.Packet, error)
}

type Sink interface {
	ProcessPacket(p *packet.Packet) error
}

// Pump copies packets from src to sink until ctx is done or src ends. Sink
// errors are logged and counted, the stream keeps going.
func Pump(ctx context.Context, src Source, sink Sink) error {
	var failures uint64
	for {
		pkt, err := src.GetTSPacket(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if pkt == nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		if err := sink.ProcessPacket(pkt); err != nil {
			failures++
			if failures == 1 || failures%1000 == 0 {
				log.Sugar.Warnf("output: %d write errors, last: %s", failures, err.Error())
			}
		}
	}
}
