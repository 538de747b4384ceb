package tcp

import (
	"strconv"

	"github.com/untoxa/tll/channel"
)

func parseSizeParam(u *channel.URL, key string, def int) (int, error) {
	s, ok := u.Get(key)
	if !ok || s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseSettings(u *channel.URL) socketSettings {
	var s socketSettings
	if v := u.GetDefault("keepalive", "no"); v == "yes" || v == "true" {
		s.keepalive = true
	}
	if v := u.GetDefault("timestamping", "no"); v == "yes" || v == "true" {
		s.timestamping = true
	}
	if v, ok := u.Get("sndbuf"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.sndbuf = n
		}
	}
	if v, ok := u.Get("rcvbuf"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			s.rcvbuf = n
		}
	}
	return s
}
