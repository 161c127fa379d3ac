package main

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/yonatandev1/cordkit/internal/config"
	"github.com/yonatandev1/cordkit/rest"
)

func createFastHttpClient(timeout time.Duration) *fasthttp.Client {
	return &fasthttp.Client{
		Name:                "cordkit",
		MaxConnsPerHost:     1000,
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: 90 * time.Second,
	}
}

// newDoer picks the REST transport named in the config.
func newDoer(conf *config.RESTConfig) rest.Doer {
	switch conf.Transport {
	case "fasthttp":
		return rest.NewFastHTTPDoer(conf.BaseURL, createFastHttpClient(conf.Timeout), conf.Timeout)
	default:
		return rest.NewHTTPDoer(conf.BaseURL, rest.NewHTTPClient(conf.Timeout))
	}
}
