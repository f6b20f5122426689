package runevents

import (
	"context"
	"strings"
	"testing"

	"runstream/internal/types"
)

func TestParseSSEBlock(t *testing.T) {
	block, ok := ParseSSEBlock(": keepalive\nevent: step.chunk\r\ndata: {\"a\":1,\ndata: \"b\":2}\nid: 7\nretry: 100")
	if !ok {
		t.Fatalf("expected block")
	}
	if block.Event != "step.chunk" || block.ID != "7" || block.Data != "{\"a\":1,\n\"b\":2}" {
		t.Fatalf("unexpected block: %#v", block)
	}
	if _, ok := ParseSSEBlock(": only a comment"); ok {
		t.Fatalf("blocks without data should be skipped")
	}
}

func TestReadSSEBlocksStopsWhenAsked(t *testing.T) {
	stream := "data: one\n\n: ping\n\ndata: two\n\ndata: three\n\n"
	var got []string
	err := ReadSSEBlocks(context.Background(), strings.NewReader(stream), func(b SSEBlock) bool {
		got = append(got, b.Data)
		return len(got) < 2
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Join(got, ",") != "one,two" {
		t.Fatalf("unexpected blocks: %v", got)
	}
}

func TestReadSSEBlocksFlushesTrailingBlock(t *testing.T) {
	var got []string
	err := ReadSSEBlocks(context.Background(), strings.NewReader("data: tail"), func(b SSEBlock) bool {
		got = append(got, b.Data)
		return true
	})
	if err != nil || len(got) != 1 || got[0] != "tail" {
		t.Fatalf("unexpected result: %v %v", got, err)
	}
}

func TestMapSSEBlock(t *testing.T) {
	tests := []struct {
		name  string
		block SSEBlock
		ok    bool
		check func(t *testing.T, ev types.RunStreamEvent)
	}{
		{
			name:  "event name from payload",
			block: SSEBlock{Data: `{"runId":"r1","event":"run.start","status":"RUNNING"}`},
			ok:    true,
			check: func(t *testing.T, ev types.RunStreamEvent) {
				if ev.Event != types.RunEventRunStart || ev.Status != types.RunStatusRunning {
					t.Fatalf("unexpected event: %#v", ev)
				}
			},
		},
		{
			name:  "event name from block",
			block: SSEBlock{Event: "step.chunk", Data: `{"runId":"r1","stepId":"s1","reasoningDelta":"hm","seq":3}`},
			ok:    true,
			check: func(t *testing.T, ev types.RunStreamEvent) {
				if ev.Event != types.RunEventStepChunk || ev.Lane != types.LaneReasoning || ev.Seq == nil || *ev.Seq != 3 {
					t.Fatalf("unexpected chunk: %#v", ev)
				}
			},
		},
		{
			name:  "chunk without step",
			block: SSEBlock{Event: "step.chunk", Data: `{"runId":"r1","textDelta":"x"}`},
		},
		{
			name:  "missing run id",
			block: SSEBlock{Data: `{"event":"run.start"}`},
		},
		{
			name:  "unknown event",
			block: SSEBlock{Event: "heartbeat", Data: `{"runId":"r1"}`},
		},
		{
			name:  "malformed json",
			block: SSEBlock{Data: `{"runId":`},
		},
		{
			name:  "null summary dropped",
			block: SSEBlock{Data: `{"runId":"r1","event":"run.complete","summary":null}`},
			ok:    true,
			check: func(t *testing.T, ev types.RunStreamEvent) {
				if ev.Summary != nil {
					t.Fatalf("expected nil summary, got %s", ev.Summary)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := MapSSEBlock(tt.block)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}
