package recorder

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"pcs-gateway/internal/protocol/ystech"
)

// 帧录制器: 将收发的原始帧连同解码结果写入 CSV 或 JSONL,
// 供离线分析。实现会话的 FrameHook 接口。

const (
	FormatCSV   = "csv"
	FormatJSONL = "jsonl"
)

// csvHeader 列顺序固定
var csvHeader = []string{
	"ts_iso", "ts_monotonic_ns", "direction", "can_id_hex", "pf_hex", "payload_hex", "decoded_json",
}

// record JSONL 的行结构
type record struct {
	TsISO         string          `json:"ts_iso"`
	TsMonotonicNs int64           `json:"ts_monotonic_ns"`
	Direction     string          `json:"direction"`
	CanIDHex      string          `json:"can_id_hex"`
	PFHex         string          `json:"pf_hex"`
	PayloadHex    string          `json:"payload_hex"`
	Decoded       json.RawMessage `json:"decoded_json"`
}

// Recorder CSV/JSONL 帧录制器
type Recorder struct {
	format string
	logger *zap.Logger

	mu      sync.Mutex
	file    *os.File
	csv     *csv.Writer
	start   time.Time
	count   uint64
	closed  bool
	onError func(error)
}

// Open 创建录制文件。format 为 "csv" 或 "jsonl"。
func Open(path, format string, logger *zap.Logger) (*Recorder, error) {
	if format != FormatCSV && format != FormatJSONL {
		return nil, fmt.Errorf("未知的录制格式: %q", format)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		format: format,
		logger: logger,
		file:   f,
		start:  time.Now(),
	}
	if format == FormatCSV {
		r.csv = csv.NewWriter(f)
		if err := r.csv.Write(csvHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	logger.Info("[Recorder] Recording frames", zap.String("path", path), zap.String("format", format))
	return r, nil
}

// OnFrame 实现会话帧钩子。在收发线程上同步执行, 每条记录编码后立即写入文件。
func (r *Recorder) OnFrame(direction string, id uint32, data []byte, ts time.Time, decoded interface{}) {
	var decodedJSON []byte
	if decoded != nil {
		b, err := json.Marshal(decoded)
		if err == nil {
			decodedJSON = b
		}
	}

	pf := byte(id >> 16 & 0xFF)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	mono := ts.Sub(r.start).Nanoseconds()
	var err error
	if r.format == FormatCSV {
		row := []string{
			ts.Format("2006-01-02T15:04:05.000Z07:00"),
			strconv.FormatInt(mono, 10),
			direction,
			fmt.Sprintf("0x%08X", id),
			fmt.Sprintf("0x%02X", pf),
			fmt.Sprintf("%X", data),
			string(decodedJSON),
		}
		err = r.csv.Write(row)
		r.csv.Flush()
	} else {
		rec := record{
			TsISO:         ts.Format("2006-01-02T15:04:05.000Z07:00"),
			TsMonotonicNs: mono,
			Direction:     direction,
			CanIDHex:      fmt.Sprintf("0x%08X", id),
			PFHex:         fmt.Sprintf("0x%02X", pf),
			PayloadHex:    fmt.Sprintf("%X", data),
			Decoded:       decodedJSON,
		}
		if rec.Decoded == nil {
			rec.Decoded = json.RawMessage("null")
		}
		var line []byte
		line, err = json.Marshal(rec)
		if err == nil {
			_, err = r.file.Write(append(line, '\n'))
		}
	}
	if err != nil {
		r.logger.Warn("[Recorder] Write failed",
			zap.Error(err), zap.String("pf", ystech.PFName(pf)))
		return
	}
	r.count++
}

// Count 已写入的记录数
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Close 落盘并关闭文件。幂等。
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.csv != nil {
		r.csv.Flush()
	}
	err := r.file.Close()
	r.logger.Info("[Recorder] Closed", zap.Uint64("records", r.count))
	return err
}

var _ io.Closer = (*Recorder)(nil)
