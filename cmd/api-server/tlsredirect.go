package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// redirectingListener 在 HTTPS 端口上识别纯 HTTP 请求并回复 301
//
// 首字节 0x16 为 TLS ClientHello，连同已读字节交给 TLS 层；
// 其余连接按 HTTP 解析一次请求后重定向到 https:// 并关闭
type redirectingListener struct {
	net.Listener
}

func (l *redirectingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		first := make([]byte, 1)
		n, err := io.ReadFull(conn, first)
		conn.SetReadDeadline(time.Time{})
		if err != nil || n == 0 {
			conn.Close()
			continue
		}

		if first[0] == 0x16 {
			return &prefixConn{Conn: conn, prefix: first}, nil
		}
		go redirectToHTTPS(conn, first)
	}
}

// prefixConn 在底层连接前追加已读取的字节
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

func redirectToHTTPS(conn net.Conn, first []byte) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	req, err := http.ReadRequest(bufio.NewReader(&prefixConn{Conn: conn, prefix: first}))
	if err != nil {
		return
	}
	fmt.Fprintf(conn, "HTTP/1.1 301 Moved Permanently\r\nLocation: %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		httpsLocation(req, conn.LocalAddr().String()))
}

// httpsLocation 目标地址保留请求路径；非 443 端口时补上监听端口
func httpsLocation(req *http.Request, localAddr string) string {
	host := req.Host
	if host == "" {
		host = localAddr
	}
	_, port, _ := net.SplitHostPort(localAddr)
	if port != "" && port != "443" {
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = net.JoinHostPort(host, port)
	}
	return "https://" + host + req.URL.RequestURI()
}
