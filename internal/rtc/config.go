package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

func Setup(v *viper.Viper, prefix string) {
	p := func(key string) string { return prefix + "." + key }

	v.SetDefault(p("ice_servers"), []string{"stun:stun.l.google.com:19302"})
}

// Servers translates the configured URLs into pion ICE server entries.
func (c *Config) Servers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, u := range c.ICEServers {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
