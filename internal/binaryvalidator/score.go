package binaryvalidator

import "github.com/one-covenant/basilica-sub000/internal/model"

// ScoreRun computes the deterministic per-run score from an aggregated
// attestation payload. All weights clamp into [0, 1].
func ScoreRun(success bool, result *model.ExecutorResult) float64 {
	score := 0.0
	if success {
		score += 0.3
	}
	if result == nil {
		return model.ClampScore(score)
	}
	if result.AntiDebugPassed {
		score += 0.2
	}

	switch util := result.SMUtilization.Avg; {
	case util > 0.8:
		score += 0.2
	case util > 0.6:
		score += 0.1
	}

	if result.TotalSMs > 0 {
		switch ratio := float64(result.ActiveSMs) / float64(result.TotalSMs); {
		case ratio > 0.9:
			score += 0.15
		case ratio > 0.7:
			score += 0.1
		}
	}

	switch bandwidth := result.MemoryBandwidthGbps; {
	case bandwidth > 500:
		score += 0.1
	case bandwidth > 200:
		score += 0.05
	}

	if computeMs := float64(result.ComputationTimeNs) / 1e6; computeMs > 10 && computeMs < 5000 {
		score += 0.05
	}

	return model.ClampScore(score)
}

// scoreGPUResult builds the per-device sub-score used when scoring raw
// multi-GPU output. Bandwidth tiers are an order of magnitude higher than
// the aggregate path because the binary reports per-device burst bandwidth
// there, not sustained host-visible bandwidth.
func scoreGPUResult(success bool, gpu *GPUResult) float64 {
	score := 0.0
	if success {
		score += 0.3
	}
	if gpu.Metrics.AntiDebugPassed {
		score += 0.2
	}

	switch util := gpu.Metrics.SMUtilization.Avg; {
	case util > 0.8:
		score += 0.2
	case util > 0.6:
		score += 0.1
	}

	switch bandwidth := gpu.Metrics.MemoryBandwidthGbps; {
	case bandwidth > 15000:
		score += 0.15
	case bandwidth > 10000:
		score += 0.1
	case bandwidth > 5000:
		score += 0.05
	}

	if computeMs := float64(gpu.ComputationTimeNs) / 1e6; computeMs > 10 && computeMs < 5000 {
		score += 0.05
	}

	return model.ClampScore(score)
}

// ScoreOutput averages per-GPU sub-scores over a raw multi-GPU report. A
// report with no GPU results scores only the success base.
func ScoreOutput(out *BinaryOutput) float64 {
	if len(out.GPUResults) == 0 {
		return ScoreRun(out.Success, nil)
	}
	total := 0.0
	for i := range out.GPUResults {
		total += scoreGPUResult(out.Success, &out.GPUResults[i])
	}
	return model.ClampScore(total / float64(len(out.GPUResults)))
}
