package relay

import (
	"sync"
	"time"
)

// window 是一组按 IP 分组的滑动窗口时间戳
type window struct {
	span time.Duration
	max  int
	hits map[string][]time.Time
}

func newWindow(span time.Duration, max int) window {
	return window{span: span, max: max, hits: make(map[string][]time.Time)}
}

// prune 清理已经移出窗口的旧时间戳
func (w window) prune(now time.Time) {
	for ip, arr := range w.hits {
		j := 0
		for _, t := range arr {
			if now.Sub(t) <= w.span {
				arr[j] = t
				j++
			}
		}
		if j == 0 {
			delete(w.hits, ip)
		} else {
			w.hits[ip] = arr[:j]
		}
	}
}

// over 判断 ip 是否超限，超限时返回建议等待时间（至少一秒）
func (w window) over(ip string, now time.Time) (bool, time.Duration) {
	arr := w.hits[ip]
	if w.max <= 0 || len(arr) <= w.max {
		return false, 0
	}
	wait := w.span - now.Sub(arr[0])
	if wait < time.Second {
		wait = time.Second
	}
	return true, wait
}

// IPLimiter 实现了一个基于 IP 的频率限制器
// 它同时跟踪两个滑动窗口：套接字建立频率，以及配对失败频率
type IPLimiter struct {
	mu    sync.Mutex
	reqs  window
	fails window
}

// NewIPLimiter 创建一个新的 IP 频率限制器实例；max 为 0 表示不限制
func NewIPLimiter(reqWindow time.Duration, maxReqs int, failWindow time.Duration, maxFails int) *IPLimiter {
	return &IPLimiter{
		reqs:  newWindow(reqWindow, maxReqs),
		fails: newWindow(failWindow, maxFails),
	}
}

// Allow 记录一次请求并判断是否应该放行
// 如果不允许，返回 false 和一个建议的等待时间
func (l *IPLimiter) Allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs.prune(now)
	l.fails.prune(now)

	l.reqs.hits[ip] = append(l.reqs.hits[ip], now)
	if over, wait := l.reqs.over(ip, now); over {
		return false, wait
	}
	if over, wait := l.fails.over(ip, now); over {
		return false, wait
	}
	return true, 0
}

// Blocked 只检查失败窗口，不计入请求
// 用于在已经建立的套接字上拒绝暴力尝试短语
func (l *IPLimiter) Blocked(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails.prune(now)
	over, _ := l.fails.over(ip, now)
	return over
}

// RecordFail 记录一次来自特定 IP 的失败操作
func (l *IPLimiter) RecordFail(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails.prune(now)
	l.fails.hits[ip] = append(l.fails.hits[ip], now)
}
