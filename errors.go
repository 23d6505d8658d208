package sentinel

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrDocNotFound       = errors.New("document not found", j.C("ERR_8f20c1f4be61d2aa"))
	ErrSaveConflict      = errors.New("save conflict - document revision is stale", j.C("ERR_0d7b3b226f41c9ee"))
	ErrConfig            = errors.New("invalid transition configuration", j.C("ERR_53a19e07cc84d11b"))
	ErrEval              = errors.New("rule expression evaluation failed", j.C("ERR_b6fd4f1f2a1c89d3"))
	ErrIDTooLong         = errors.New("identifier length not supported", j.C("ERR_4e9a2b8dd3f671c0"))
	ErrUnknownView       = errors.New("unknown view", j.C("ERR_91c04a6de5b83f27"))
	ErrFeedClosed        = errors.New("change feed closed", j.C("ERR_7aa8de913cb4f06e"))
	ErrUnknownTransition = errors.New("transition name is not registered", j.C("ERR_2c5e90f7ab1364dd"))
)
