package smtp

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器
type ConnectionLimiter struct {
	maxConns int
	current  int
	mu       sync.Mutex
	limiter  *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - maxRate: 每秒最大新建连接数
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	if maxConns <= 0 {
		maxConns = 1
	}
	if maxRate <= 0 {
		maxRate = 1
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		limiter:  rate.NewLimiter(rate.Limit(maxRate), maxRate),
	}
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current >= l.maxConns {
		return false
	}
	if !l.limiter.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Listener 包装 net.Listener，超出限制的连接在接受后立即关闭
func (l *ConnectionLimiter) Listener(inner net.Listener) net.Listener {
	return &limitedListener{Listener: inner, limiter: l}
}

type limitedListener struct {
	net.Listener
	limiter *ConnectionLimiter
}

func (ll *limitedListener) Accept() (net.Conn, error) {
	for {
		conn, err := ll.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !ll.limiter.Acquire() {
			_, _ = conn.Write([]byte("421 4.7.0 too many connections, try again later\r\n"))
			_ = conn.Close()
			continue
		}
		return &limitedConn{Conn: conn, limiter: ll.limiter}, nil
	}
}

type limitedConn struct {
	net.Conn
	limiter *ConnectionLimiter
	once    sync.Once
}

func (c *limitedConn) Close() error {
	c.once.Do(c.limiter.Release)
	return c.Conn.Close()
}
