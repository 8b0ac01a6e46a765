package main

import (
	"io"
	"log"
	"strings"
)

// tlsErrorFilter 丢弃 TLS 握手失败日志，其余原样转发
// 扫描器与误用 http:// 的客户端会产生大量握手错误
type tlsErrorFilter struct {
	out io.Writer
}

func (f *tlsErrorFilter) Write(p []byte) (int, error) {
	if strings.Contains(string(p), "TLS handshake error") {
		return len(p), nil
	}
	return f.out.Write(p)
}

// newServerErrorLog http.Server.ErrorLog，TLS 模式下过滤握手噪音
func newServerErrorLog(tls bool) *log.Logger {
	if !tls {
		return log.New(log.Writer(), "[http] ", log.LstdFlags)
	}
	return log.New(&tlsErrorFilter{out: log.Writer()}, "[http] ", log.LstdFlags)
}
