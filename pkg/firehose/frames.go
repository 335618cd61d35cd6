package firehose

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/torrho/windsock/pkg/models"
)

// Wire $type discriminators for the four frame variants.
const (
	TypeCommit   = "com.atproto.sync.subscribeRepos#commit"
	TypeIdentity = "com.atproto.sync.subscribeRepos#identity"
	TypeAccount  = "com.atproto.sync.subscribeRepos#account"
	TypeInfo     = "com.atproto.sync.subscribeRepos#info"
)

// Info frame names.
const (
	InfoConnected      = "Connected"
	InfoOutdatedCursor = "OutdatedCursor"
	InfoError          = "Error"
)

// Frame is the wire representation of an event, one of CommitFrame,
// IdentityFrame, AccountFrame or InfoFrame.
type Frame interface {
	frame()
}

// FrameOp mirrors a repo op on the wire.
type FrameOp struct {
	Action string  `json:"action"`
	Path   string  `json:"path"`
	Cid    *string `json:"cid,omitempty"`
}

type CommitFrame struct {
	Type   string    `json:"$type"`
	Seq    int64     `json:"seq"`
	Rebase bool      `json:"rebase"`
	TooBig bool      `json:"tooBig"`
	Repo   string    `json:"repo"`
	Commit string    `json:"commit"`
	Rev    string    `json:"rev"`
	Since  *string   `json:"since,omitempty"`
	Blocks []byte    `json:"blocks"`
	Ops    []FrameOp `json:"ops"`
	Blobs  []string  `json:"blobs"`
	Time   string    `json:"time"`
}

type IdentityFrame struct {
	Type   string  `json:"$type"`
	Seq    int64   `json:"seq"`
	Did    string  `json:"did"`
	Time   string  `json:"time"`
	Handle *string `json:"handle,omitempty"`
}

type AccountFrame struct {
	Type   string  `json:"$type"`
	Seq    int64   `json:"seq"`
	Did    string  `json:"did"`
	Time   string  `json:"time"`
	Active bool    `json:"active"`
	Status *string `json:"status,omitempty"`
}

type InfoFrame struct {
	Type    string  `json:"$type"`
	Name    string  `json:"name"`
	Message *string `json:"message,omitempty"`
}

func (*CommitFrame) frame() {}

func (*IdentityFrame) frame() {}

func (*AccountFrame) frame() {}

func (*InfoFrame) frame() {}

func newInfoFrame(name, message string) *InfoFrame {
	f := InfoFrame{Type: TypeInfo, Name: name}
	if message != "" {
		f.Message = &message
	}
	return &f
}

func frameTime(timeUS int64) string {
	return time.UnixMicro(timeUS).UTC().Format(time.RFC3339)
}

// ToFrame translates a stored event into its wire frame. A decode failure is
// an error on the single event, never a reason to tear down a stream.
func ToFrame(evt *models.Event) (Frame, error) {
	switch evt.Kind {
	case models.KindCommit:
		var commit models.CommitEvt
		if err := models.UnmarshalPayload(evt.Payload, &commit); err != nil {
			return nil, fmt.Errorf("failed to decode commit payload for seq %d: %w", evt.Seq, err)
		}
		ops := make([]FrameOp, 0, len(commit.Ops))
		for _, op := range commit.Ops {
			ops = append(ops, FrameOp{Action: op.Action, Path: op.Path, Cid: op.Cid})
		}
		blobs := commit.Blobs
		if blobs == nil {
			blobs = []string{}
		}
		return &CommitFrame{
			Type:   TypeCommit,
			Seq:    evt.Seq,
			Repo:   commit.Repo,
			Commit: commit.Commit,
			Rev:    commit.Rev,
			Since:  commit.Since,
			Blocks: commit.Blocks,
			Ops:    ops,
			Blobs:  blobs,
			Time:   frameTime(evt.TimeUS),
		}, nil
	case models.KindIdentity:
		var ident models.IdentityEvt
		if err := models.UnmarshalPayload(evt.Payload, &ident); err != nil {
			return nil, fmt.Errorf("failed to decode identity payload for seq %d: %w", evt.Seq, err)
		}
		return &IdentityFrame{
			Type:   TypeIdentity,
			Seq:    evt.Seq,
			Did:    ident.Did,
			Time:   frameTime(evt.TimeUS),
			Handle: ident.Handle,
		}, nil
	case models.KindAccount:
		var acct models.AccountEvt
		if err := models.UnmarshalPayload(evt.Payload, &acct); err != nil {
			return nil, fmt.Errorf("failed to decode account payload for seq %d: %w", evt.Seq, err)
		}
		return &AccountFrame{
			Type:   TypeAccount,
			Seq:    evt.Seq,
			Did:    acct.Did,
			Time:   frameTime(evt.TimeUS),
			Active: acct.Active,
			Status: acct.Status,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q for seq %d", evt.Kind, evt.Seq)
	}
}

// DecodeFrame unpacks a wire message into its frame variant by $type. Used by
// consuming clients and tests.
func DecodeFrame(data []byte) (Frame, error) {
	var tag struct {
		Type string `json:"$type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}

	var f Frame
	switch tag.Type {
	case TypeCommit:
		f = &CommitFrame{}
	case TypeIdentity:
		f = &IdentityFrame{}
	case TypeAccount:
		f = &AccountFrame{}
	case TypeInfo:
		f = &InfoFrame{}
	default:
		return nil, fmt.Errorf("unknown frame type %q", tag.Type)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s frame: %w", tag.Type, err)
	}
	return f, nil
}
