package services

import (
	"github.com/mbocsi/devicelink/server"
)

func convertSession(sess *server.Session) DeviceInfo {
	info := server.NewDeviceInfo(sess)
	return DeviceInfo{
		ID:            info.ID,
		Protocol:      info.Protocol,
		RemoteAddr:    info.RemoteAddr,
		ConnectedAt:   info.ConnectedAt,
		LastHeartbeat: info.LastHeartbeat,
		Queued:        info.Queued,
		Dropped:       info.Dropped,
		Connected:     sess.Active(),
	}
}

func convertTransportMeta(index int, transport server.Transport) TransportInfo {
	meta := transport.Meta()
	status := "stopped"
	if meta.Connected {
		status = "listening"
	}
	return TransportInfo{
		Index:   index,
		Name:    meta.Name,
		Type:    meta.Protocol,
		Address: meta.Address,
		Status:  status,
	}
}
