package status

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/koron/go-ssdp"

	"github.com/RabbitLabs/dvbsc/internal/log"
)

const (
	ServerDescPath = "/server.xml"
	serverString   = "dvbscd/1.0 UPnP/1.1"
	defaultUUID    = "uuid:6b8a3c02-41f5-4e3e-9a57-2f1c0e3b8d10"
	advertiseEvery = 300 * time.Second
	maxAge         = 1800
)

// UPnPDevice announces the status server on the local network with SSDP.
type UPnPDevice struct {
	Name string
	Port int

	uuid   string
	adv    *ssdp.Advertiser
	ticker *time.Ticker
	done   chan struct{}
}

func NewUPnPDevice(name string, port int) *UPnPDevice {
	return &UPnPDevice{Name: name, Port: port, uuid: generateUUID()}
}

// Register adds the device description to router.
func (u *UPnPDevice) Register(router *mux.Router) {
	router.HandleFunc(ServerDescPath, u.descHandler).Methods(http.MethodGet)
}

func (u *UPnPDevice) Start() error {
	local, err := localAddress()
	if err != nil {
		return err
	}
	location := fmt.Sprintf("http://%s%s", net.JoinHostPort(local, fmt.Sprint(u.Port)), ServerDescPath)
	log.Sugar.Infof("upnp: base location %s", location)

	u.adv, err = ssdp.Advertise(
		"upnp:rootdevice",
		u.uuid+"::upnp:rootdevice",
		location,
		serverString,
		maxAge)
	if err != nil {
		return err
	}

	u.ticker = time.NewTicker(advertiseEvery)
	u.done = make(chan struct{})
	go func() {
		for {
			select {
			case <-u.ticker.C:
				log.Sugar.Debug("upnp: SSDP advertise")
				if err := u.adv.Alive(); err != nil {
					log.Sugar.Warnf("upnp: advertise: %s", err.Error())
				}
			case <-u.done:
				return
			}
		}
	}()
	return nil
}

func (u *UPnPDevice) Stop() {
	if u.adv == nil {
		return
	}
	u.ticker.Stop()
	close(u.done)
	if err := u.adv.Bye(); err != nil {
		log.Sugar.Debugf("upnp: bye: %s", err.Error())
	}
	u.adv.Close()
	u.adv = nil
}

func (u *UPnPDevice) descHandler(w http.ResponseWriter, r *http.Request) {
	log.Sugar.Debugf("upnp: root description requested by %s", r.RemoteAddr)

	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, "<?xml version=\"1.0\"?>\r\n")
	fmt.Fprint(w, "<root xmlns=\"urn:schemas-upnp-org:device-1-0\" configId=\"0\">\r\n")
	fmt.Fprint(w, "<specVersion>\r\n<major>1</major>\r\n<minor>1</minor>\r\n</specVersion>\r\n")
	fmt.Fprint(w, "<device>\r\n")
	fmt.Fprint(w, "<deviceType>urn:schemas-upnp-org:device:Basic:1</deviceType>\r\n")
	fmt.Fprintf(w, "<friendlyName>%s</friendlyName>\r\n", xmlEscape(u.Name))
	fmt.Fprint(w, "<manufacturer>RabbitLabs</manufacturer>\r\n")
	fmt.Fprint(w, "<modelDescription>DVB descrambling coordinator</modelDescription>\r\n")
	fmt.Fprint(w, "<modelName>dvbscd</modelName>\r\n")
	fmt.Fprintf(w, "<UDN>%s</UDN>\r\n", u.uuid)
	fmt.Fprint(w, "<presentationURL>/api/v1/devices</presentationURL>\r\n")
	fmt.Fprint(w, "</device>\r\n</root>\r\n")
}

var xmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}

// localAddress is the address used for outgoing traffic, no packet is sent.
func localAddress() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// generateUUID derives a stable id from the first global MAC address.
func generateUUID() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return defaultUUID
	}

	for _, i := range interfaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 || len(i.HardwareAddr) == 0 {
			continue
		}
		// skip locally administered addresses
		if i.HardwareAddr[0]&2 == 2 || i.HardwareAddr[0] == 0 {
			continue
		}

		log.Sugar.Debugf("upnp: uuid from MAC address of %s", i.Name)
		return uuidFromMAC(i.HardwareAddr)
	}
	return defaultUUID
}

func uuidFromMAC(mac net.HardwareAddr) string {
	h := sha256.Sum256(mac)
	return fmt.Sprintf("uuid:%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}
