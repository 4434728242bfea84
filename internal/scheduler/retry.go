package scheduler

import (
	"math/rand"
	"time"
)

// computeRetryDelay 计算第 retryIndex 次重试前的等待时长
// 指数退避 baseDelay * 2^retryIndex，封顶 maxDelay，再叠加 ±jitter 比例的随机抖动
func computeRetryDelay(retryIndex int, baseDelay, maxDelay time.Duration, jitter float64) time.Duration {
	delay := baseDelay
	for i := 0; i < retryIndex; i++ {
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
			break
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if jitter > 0 {
		jitterRange := float64(delay) * jitter
		offset := (rand.Float64()*2 - 1) * jitterRange
		delay = time.Duration(float64(delay) + offset)
	}

	if delay < 0 {
		delay = baseDelay
	}

	// 抖动后再次 cap，确保最终结果不超过上限
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
