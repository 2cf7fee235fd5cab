package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lfkeitel/tftpd"
)

var (
	flgRootDir        string
	flgAddress        string
	flgDisableCreate  bool
	flgDisableWrite   bool
	flgAllowOverwrite bool
	flgServer         bool
	flgDebug          bool
	flgRFC1350        bool
	flgStrict         bool
	flgErrorOnTimeout bool
	flgTimeout        time.Duration
	flgRetries        int
	flgBlockSize      int
	flgMode           string
)

func init() {
	flag.StringVar(&flgRootDir, "root", ".", "Server root")
	flag.StringVar(&flgAddress, "addr", ":69", "Server listen address")
	flag.BoolVar(&flgDisableCreate, "nocreate", false, "Disable creation of new files")
	flag.BoolVar(&flgDisableWrite, "nowrite", false, "Disable writing any files")
	flag.BoolVar(&flgAllowOverwrite, "ow", false, "Allow overwriting existing files")
	flag.BoolVar(&flgServer, "server", false, "Run a TFTP server")
	flag.BoolVar(&flgDebug, "debug", false, "Enable debug output")
	flag.BoolVar(&flgRFC1350, "rfc1350", false, "Disable TFTP options")
	flag.BoolVar(&flgStrict, "strict", false, "Reject clients wanting to use netascii or mail modes")
	flag.BoolVar(&flgErrorOnTimeout, "error-on-timeout", false, "Send an error packet when a transfer times out")
	flag.DurationVar(&flgTimeout, "timeout", 5*time.Second, "Retransmission timeout")
	flag.IntVar(&flgRetries, "retries", 5, "Retransmits before a transfer is abandoned")
	flag.IntVar(&flgBlockSize, "blksize", 1428, "Block size requested by the client")
	flag.StringVar(&flgMode, "mode", tftp.ModeOctet, "Client transfer mode, octet or netascii")
}

func main() {
	flag.Parse()

	if flgDebug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if flgAllowOverwrite && flgDisableWrite {
		logrus.Fatalln("-nowrite cannot be used with -ow")
	}

	if flgServer && flag.NArg() > 0 {
		logrus.Fatalln("-server cannot be used with a command")
	}

	if flgServer {
		startServer()
	} else {
		runCommand(flag.Args())
	}
}

func startServer() {
	storage := &tftp.DirStorage{
		Root:           flgRootDir,
		DisableCreate:  flgDisableCreate,
		DisableWrite:   flgDisableWrite,
		AllowOverwrite: flgAllowOverwrite,
	}
	if err := storage.Check(); err != nil {
		logrus.Fatalln(err)
	}

	serverOptions := []tftp.ServerOption{
		tftp.WithStorage(storage),
		tftp.WithTimeout(flgTimeout),
		tftp.WithRetries(flgRetries),
	}
	if flgRFC1350 {
		serverOptions = append(serverOptions, tftp.WithRFC1350)
	}
	if flgStrict {
		serverOptions = append(serverOptions, tftp.WithStrictMode)
	}
	if flgErrorOnTimeout {
		serverOptions = append(serverOptions, tftp.WithErrorOnTimeout)
	}

	fullpath, _ := filepath.Abs(flgRootDir)
	logrus.Infof("Start TFTP server serving %s", fullpath)

	s := tftp.NewServer(serverOptions...)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		logrus.Info("Shutting down")
		s.Close()
	}()

	if err := s.ListenAndServe(flgAddress); err != nil {
		logrus.Fatalln(err)
	}
}

func runCommand(args []string) {
	if len(args) != 3 {
		printClientUsage()
	}

	remote := strings.SplitN(args[1], ":", 2)
	if len(remote) != 2 {
		printClientUsage()
	}

	clientOptions := []tftp.ClientOption{
		tftp.WithClientTimeout(flgTimeout),
		tftp.WithClientRetries(flgRetries),
		tftp.WithClientBlockSize(flgBlockSize),
	}
	if flgRFC1350 {
		clientOptions = append(clientOptions, tftp.WithClientRFC1350)
	}
	c := tftp.NewClient(remote[0], clientOptions...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	var n int64
	var err error

	switch args[0] {
	case "put":
		n, err = putFile(ctx, c, args[2], remote[1])
	case "get":
		n, err = getFile(ctx, c, remote[1], args[2])
	default:
		printClientUsage()
	}

	if err != nil {
		logrus.Fatalln(err)
	}
	logrus.Infof("Transferred %d bytes in %s", n, time.Since(start).String())
}

func putFile(ctx context.Context, c *tftp.Client, source, dest string) (int64, error) {
	file, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	return c.Put(ctx, dest, flgMode, file)
}

func getFile(ctx context.Context, c *tftp.Client, source, dest string) (int64, error) {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}

	n, err := c.Get(ctx, source, flgMode, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
	}
	return n, err
}

func printClientUsage() {
	fmt.Fprintln(os.Stderr, "Usage: tftp [put|get] REMOTE:PATH LOCAL")
	os.Exit(1)
}
