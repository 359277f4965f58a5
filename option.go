package paywatch

import (
	"time"

	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/metrics"
	"github.com/vitwit/paywatch/pricecache"
	"github.com/vitwit/paywatch/utils"
)

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) {
		s.rec = r
	}
}

// WithTimeout overrides the payment session timeout.
func WithTimeout(t time.Duration) Option {
	return func(s *Service) {
		if t > 0 {
			s.timeout = t
		}
	}
}

// WithAddressValidator replaces the default hex-address check.
func WithAddressValidator(v utils.AddressValidator) Option {
	return func(s *Service) {
		s.addrCheck = v
	}
}

// WithPriceSource enables the price cache, fed from src.
func WithPriceSource(src pricecache.PriceSource) Option {
	return func(s *Service) {
		s.priceSource = src
	}
}
