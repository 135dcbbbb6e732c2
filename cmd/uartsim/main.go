// Command uartsim drives a simulated serial port end-to-end with no
// real hardware: by default it opens a loopback pair (backend/loopback)
// and writes a message on one end and reads it off the other; with -pty it instead
// attaches one end to a real pseudo-terminal so an external program can
// talk to the simulated UART directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	uartd "github.com/daedaluz/go-uartd"
	"github.com/daedaluz/go-uartd/backend/loopback"
	"github.com/daedaluz/go-uartd/internal/logging"
	"github.com/daedaluz/go-uartd/internal/uapi"
	"github.com/daedaluz/go-uartd/internal/uart"
)

func main() {
	var (
		baud    = flag.Uint("baud", 9600, "simulated baud rate")
		verbose = flag.Bool("v", false, "verbose logging")
		pty     = flag.Bool("pty", false, "attach the simulated UART to a real pseudo-terminal instead of a loopback pair")
		message = flag.String("message", "hello uartd\n", "message the loopback demo writes and reads back")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *pty {
		runPty(ctx, logger, uint32(*baud), sigCh)
		return
	}
	runLoopback(logger, uint32(*baud), *message)
}

// runLoopback opens a Port against one end of a backend/loopback Pair,
// writes message to it, and reads it back off the other end directly
// via the far Sim16550 to demonstrate the wire actually carried it.
func runLoopback(logger *logging.Logger, baud uint32, message string) {
	pair := loopback.NewPair(baud)
	defer pair.Close()

	cfg := uartd.DefaultPortConfig()
	cfg.Baud = baud
	cfg.Timeouts = uapi.Timeouts{
		ReadTotalConstant:  5000,
		WriteTotalConstant: 5000,
	}

	p, err := uartd.Open("uartsim0", pair.A, cfg)
	if err != nil {
		log.Fatalf("open port: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, status := p.Write(ctx, []byte(message))
	logger.Info("wrote message", "bytes", n, "status", status.String())

	buf := make([]byte, len(message))
	var got []byte
	for len(got) < len(message) {
		b, ok := pair.B.ReadRxByte()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		got = append(got, b)
	}
	copy(buf, got)

	fmt.Printf("wire carried: %q\n", string(got))
	stats := p.GetStats()
	fmt.Printf("stats: transmitted=%d received=%d\n", stats.BytesTransmitted, stats.BytesReceived)
}

// runPty attaches a standalone Sim16550 to the master side of a real
// pseudo-terminal in raw mode, so an external program (minicom, screen,
// a second uartsim instance) can drive the simulated UART over
// /dev/pts/N until the process receives SIGINT/SIGTERM.
func runPty(ctx context.Context, logger *logging.Logger, baud uint32, sigCh chan os.Signal) {
	master, slavePath, err := openPty()
	if err != nil {
		log.Fatalf("open pty: %v", err)
	}
	defer master.Close()

	if err := setRaw(int(master.Fd())); err != nil {
		log.Fatalf("set raw mode: %v", err)
	}

	u := uart.NewSim16550(master)
	cfg := uartd.DefaultPortConfig()
	cfg.Baud = baud

	p, err := uartd.Open("uartsim-pty0", u, cfg)
	if err != nil {
		log.Fatalf("open port: %v", err)
	}
	defer p.Close()

	logger.Info("pty attached", "path", slavePath)
	fmt.Printf("attach a terminal program to %s (baud=%d)\n", slavePath, baud)
	fmt.Printf("press Ctrl+C to stop\n")

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go pumpPtyToUART(readCtx, master, u)

	<-sigCh
	logger.Info("received shutdown signal")
}

// pumpPtyToUART copies bytes typed into the pty master into the
// simulated UART's RX FIFO, the other half of the wire WriteTxByte's
// drainTXLocked already handles by writing to master directly.
func pumpPtyToUART(ctx context.Context, master *os.File, u *uart.Sim16550) {
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := master.Read(buf)
		if err != nil {
			return
		}
		u.InjectRX(buf[:n])
	}
}

// openPty opens a new pseudo-terminal pair, returning the master end
// and the slave's device path.
func openPty() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}
	if err := unix.IoctlSetInt(int(master.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock pty: %w", err)
	}
	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("get pty number: %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

// setRaw disables canonical mode, echo, and signal generation on fd,
// mirroring stty raw so the pty carries bytes exactly as the simulated
// wire would see them.
func setRaw(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, termios)
}
