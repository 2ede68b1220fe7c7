// Package backend provides the built-in job backends. They compute in units
// and cooperate with the execution wrapper: cancellation is checked and a
// checkpoint offered at every unit boundary. Deployments with real training
// or backtest engines register their own RunFuncs instead.
package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kpiteira/ktrdr-sub003/internal/agent"
	"github.com/kpiteira/ktrdr-sub003/internal/job"
)

// Builtin returns the backends shipped with the binaries.
func Builtin() map[job.Type]agent.RunFunc {
	return map[job.Type]agent.RunFunc{
		job.TypeTraining: Training,
		job.TypeBacktest: Backtest,
	}
}

// trainingState is the checkpointed state of the training backend.
type trainingState struct {
	Epoch int64   `json:"epoch"`
	Loss  float64 `json:"loss"`
}

// Training is an epoch-loop backend. Job metadata tunes it: "epochs" (total,
// default 10) and "epoch_duration" (work per epoch, default 1s).
func Training(ec *agent.ExecContext) (map[string]any, error) {
	meta := ec.Job().Metadata
	epochs := metaInt(meta, "epochs", 10)
	epochDuration := metaDuration(meta, "epoch_duration", time.Second)

	state := trainingState{Epoch: ec.StartUnit() - 1}
	if restored := ec.RestoredState(); restored != nil {
		if err := json.Unmarshal(restored, &state); err != nil {
			return nil, fmt.Errorf("restore training state: %w", err)
		}
	}

	for epoch := ec.StartUnit(); epoch < epochs; epoch++ {
		if ec.Cancelled() {
			return nil, nil
		}

		time.Sleep(epochDuration)
		state.Epoch = epoch
		state.Loss = 1.0 / float64(epoch+1)

		blob, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("marshal training state: %w", err)
		}
		// The weights stand in for whatever a real trainer would persist.
		ec.Checkpoint(epoch, blob, map[string][]byte{"weights.json": blob})
		ec.Progress(float64(epoch+1)/float64(epochs)*100, fmt.Sprintf("epoch %d/%d", epoch+1, epochs))
	}

	return map[string]any{"epochs": epochs, "finalLoss": state.Loss}, nil
}

// backtestState is the checkpointed state of the backtest backend.
type backtestState struct {
	Bar    int64   `json:"bar"`
	Equity float64 `json:"equity"`
}

// Backtest replays bars. Metadata: "bars" (default 1000), "bar_duration"
// (default 1ms).
func Backtest(ec *agent.ExecContext) (map[string]any, error) {
	meta := ec.Job().Metadata
	bars := metaInt(meta, "bars", 1000)
	barDuration := metaDuration(meta, "bar_duration", time.Millisecond)

	state := backtestState{Bar: ec.StartUnit() - 1, Equity: 10000}
	if restored := ec.RestoredState(); restored != nil {
		if err := json.Unmarshal(restored, &state); err != nil {
			return nil, fmt.Errorf("restore backtest state: %w", err)
		}
	}

	for bar := ec.StartUnit(); bar < bars; bar++ {
		if ec.Cancelled() {
			return nil, nil
		}

		time.Sleep(barDuration)
		state.Bar = bar
		state.Equity *= 1.00001

		blob, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("marshal backtest state: %w", err)
		}
		ec.Checkpoint(bar, blob, nil)

		if bar%100 == 0 {
			ec.Progress(float64(bar+1)/float64(bars)*100, fmt.Sprintf("bar %d/%d", bar+1, bars))
		}
	}

	return map[string]any{"bars": bars, "finalEquity": state.Equity}, nil
}

func metaInt(meta map[string]string, key string, def int64) int64 {
	if v, ok := meta[key]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func metaDuration(meta map[string]string, key string, def time.Duration) time.Duration {
	if v, ok := meta[key]; ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
