package harness

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmsandbox/core/internal/control"
)

// defaultTelemetryIntervalMS is the SubscribeTelemetry sampling interval
// used when the request gives no positive interval.
const defaultTelemetryIntervalMS = 2000

// Serve accepts control-channel connections on ln until ctx is done. Each
// accepted connection completes the Ping/Pong handshake against secret,
// then handles exactly one operation (Exec, WriteFile, MkdirP) or an
// indefinite SubscribeTelemetry stream, matching the host side's one
// connection per Channel call (control.Channel.connect).
func Serve(ctx context.Context, ln net.Listener, secret [32]byte) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept: %v", err)
				continue
			}
		}
		go handleConn(ctx, conn, secret)
	}
}

func handleConn(ctx context.Context, conn net.Conn, secret [32]byte) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	msgType, payload, err := readFrame(conn)
	if err != nil {
		log.Printf("handshake: read ping: %v", err)
		return
	}
	if msgType != control.TypePing || len(payload) < 32 || string(payload[:32]) != string(secret[:]) {
		log.Printf("handshake: bad ping (type=%d len=%d)", msgType, len(payload))
		return
	}
	if err := writeFrame(conn, control.TypePong, nil); err != nil {
		log.Printf("handshake: write pong: %v", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	msgType, payload, err = readFrame(conn)
	if err != nil {
		return // peer closed without sending an operation; nothing to log
	}

	switch msgType {
	case control.TypeExecRequest:
		handleExec(ctx, conn, payload)
	case control.TypeWriteFile:
		handleWriteFile(conn, payload)
	case control.TypeMkdirP:
		handleMkdirP(conn, payload)
	case control.TypeSubscribeTelemetry:
		handleTelemetry(ctx, conn, payload)
	default:
		log.Printf("unexpected message type %d after handshake", msgType)
	}
}

func handleExec(ctx context.Context, conn net.Conn, payload []byte) {
	var req control.ExecRequest
	if err := unmarshalInto(payload, &req); err != nil {
		log.Printf("exec: unmarshal: %v", err)
		return
	}

	var writeMu sync.Mutex
	emit := func(chunk control.ExecOutputChunk) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeJSON(conn, control.TypeExecOutputChunk, chunk); err != nil {
			log.Printf("exec: write chunk: %v", err)
		}
	}

	resp, err := runExec(ctx, req, emit)
	if err != nil {
		resp = &control.ExecResponse{ExitCode: -1, Error: err.Error()}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeJSON(conn, control.TypeExecResponse, resp); err != nil {
		log.Printf("exec: write response: %v", err)
	}
}

func handleWriteFile(conn net.Conn, payload []byte) {
	var req control.WriteFileRequest
	resp := control.WriteFileResponse{}
	if err := unmarshalInto(payload, &req); err != nil {
		resp.Error = err.Error()
	} else if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
		resp.Error = err.Error()
	} else if err := os.WriteFile(req.Path, req.Content, 0644); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}

	if err := writeJSON(conn, control.TypeWriteFileResponse, resp); err != nil {
		log.Printf("write_file: write response: %v", err)
	}
}

func handleMkdirP(conn net.Conn, payload []byte) {
	var req control.MkdirPRequest
	resp := control.MkdirPResponse{}
	if err := unmarshalInto(payload, &req); err != nil {
		resp.Error = err.Error()
	} else if err := os.MkdirAll(req.Path, 0755); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}

	if err := writeJSON(conn, control.TypeMkdirPResponse, resp); err != nil {
		log.Printf("mkdir_p: write response: %v", err)
	}
}

// handleTelemetry streams TelemetryData batches at the requested interval
// until the peer disconnects or ctx is done. Each batch carries the
// harness's own CPU-tick and eth0 byte counters, ordered by Seq.
func handleTelemetry(ctx context.Context, conn net.Conn, payload []byte) {
	var opts control.TelemetryOptions
	if err := unmarshalInto(payload, &opts); err != nil {
		log.Printf("subscribe_telemetry: unmarshal: %v", err)
		return
	}
	intervalMS := opts.IntervalMS
	if intervalMS <= 0 {
		intervalMS = defaultTelemetryIntervalMS
	}

	pid := os.Getpid()
	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			cpuTicks := processUsedCPUTicks(pid)
			tx, rx := ethByteCounters()
			batch := control.TelemetryBatch{
				Seq:  seq,
				Data: marshalTelemetrySample(cpuTicks, tx, rx),
			}
			if err := writeJSON(conn, control.TypeTelemetryData, batch); err != nil {
				return // peer gone
			}
		}
	}
}

type telemetrySample struct {
	CPUTicks    int64 `json:"cpu_ticks"`
	Eth0TxBytes int64 `json:"eth0_tx_bytes"`
	Eth0RxBytes int64 `json:"eth0_rx_bytes"`
}

func marshalTelemetrySample(cpuTicks, tx, rx int64) []byte {
	data, _ := json.Marshal(telemetrySample{CPUTicks: cpuTicks, Eth0TxBytes: tx, Eth0RxBytes: rx})
	return data
}
