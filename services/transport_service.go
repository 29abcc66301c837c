package services

import (
	"github.com/mbocsi/devicelink/server"
)

// TransportServiceImpl implements TransportService
type TransportServiceImpl struct {
	transports []server.Transport
}

func NewTransportService(transports []server.Transport) TransportService {
	return &TransportServiceImpl{
		transports: transports,
	}
}

func (ts *TransportServiceImpl) ListTransports() ([]TransportInfo, error) {
	result := make([]TransportInfo, 0, len(ts.transports))
	for i, transport := range ts.transports {
		result = append(result, convertTransportMeta(i, transport))
	}
	return result, nil
}

// GetTransport returns a specific transport by index
func (ts *TransportServiceImpl) GetTransport(index int) (*TransportInfo, error) {
	if index < 0 || index >= len(ts.transports) {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Transport index out of range",
		}
	}
	info := convertTransportMeta(index, ts.transports[index])
	return &info, nil
}

// GetTransportStats returns aggregate transport statistics
func (ts *TransportServiceImpl) GetTransportStats() (map[string]any, error) {
	bound := 0
	for _, transport := range ts.transports {
		if transport.Meta().Connected {
			bound++
		}
	}
	return map[string]any{
		"total_transports": len(ts.transports),
		"bound_transports": bound,
	}, nil
}
