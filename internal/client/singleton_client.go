// internal/client/singleton_client.go
package client

import (
	"net/http"
	"sync"
	"time"
)

var (
	instance *http.Client
	once     sync.Once
)

// sharedHTTPClient 返回进程内共享的 http.Client 单例
// Options 未指定 HTTPClient 时使用，每个请求仍然带有自己的 ctx 超时
func sharedHTTPClient() *http.Client {
	once.Do(func() {
		instance = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	})
	return instance
}
