package ids

import (
	"strconv"
	"sync"
	"time"
)

// Epoch 2020-01-01 UTC
var epochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const maxNodeID = 1023

// Generator 雪花 ID 生成器：41 位时间戳 | 10 位节点 | 12 位序列
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	seq      int64
	lastTSMS int64
	now      func() int64
}

// NewGenerator 创建生成器，nodeID 超出 0~1023 时回落到 1
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNodeID {
		nodeID = 1
	}
	return &Generator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// NodeID returns the node bits embedded in every id.
func (g *Generator) NodeID() int64 { return g.nodeID }

// Next returns a new unique id.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now()
		if now < g.lastTSMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				// 序列溢出，等到下一毫秒
				for now <= g.lastTSMS {
					now = g.now()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}

// NextString returns Next formatted in base 10.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// NodeFromID extracts the node bits from an id produced by any Generator.
func NodeFromID(id int64) int64 {
	return (id >> 12) & maxNodeID
}
