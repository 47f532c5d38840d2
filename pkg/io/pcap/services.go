package pcap

import "github.com/google/gopacket/layers"

// NSL-KDD service names by responder port.
var tcpServices = map[uint16]string{
	7:    "echo",
	9:    "discard",
	11:   "systat",
	13:   "daytime",
	15:   "netstat",
	20:   "ftp_data",
	21:   "ftp",
	22:   "ssh",
	23:   "telnet",
	25:   "smtp",
	37:   "time",
	42:   "name",
	43:   "whois",
	53:   "domain",
	57:   "mtp",
	70:   "gopher",
	79:   "finger",
	80:   "http",
	84:   "ctf",
	95:   "supdup",
	101:  "hostnames",
	102:  "iso_tsap",
	105:  "csnet_ns",
	109:  "pop_2",
	110:  "pop_3",
	111:  "sunrpc",
	113:  "auth",
	117:  "uucp_path",
	119:  "nntp",
	137:  "netbios_ns",
	138:  "netbios_dgm",
	139:  "netbios_ssn",
	143:  "imap4",
	150:  "sql_net",
	179:  "bgp",
	194:  "IRC",
	210:  "Z39_50",
	245:  "link",
	389:  "ldap",
	443:  "http_443",
	512:  "exec",
	513:  "login",
	514:  "shell",
	515:  "printer",
	520:  "efs",
	530:  "courier",
	532:  "netnews",
	540:  "uucp",
	543:  "klogin",
	544:  "kshell",
	2784: "http_2784",
	5001: "remote_job",
	6000: "X11",
	8001: "http_8001",
}

var udpServices = map[uint16]string{
	53:  "domain_u",
	69:  "tftp_u",
	123: "ntp_u",
}

// serviceOther is used for ports outside the map.
const serviceOther = "other"

// portService names a TCP or UDP service by the responder port.
func portService(proto string, port uint16) string {
	services := tcpServices
	if proto == protoUDP {
		services = udpServices
	}
	if s, ok := services[port]; ok {
		return s
	}
	return serviceOther
}

// icmpService names an ICMP exchange by the type of its first message.
func icmpService(t uint8) string {
	switch t {
	case layers.ICMPv4TypeEchoReply:
		return "ecr_i"
	case layers.ICMPv4TypeEchoRequest:
		return "eco_i"
	case layers.ICMPv4TypeDestinationUnreachable:
		return "urp_i"
	case layers.ICMPv4TypeRedirect:
		return "red_i"
	case layers.ICMPv4TypeTimestampRequest, layers.ICMPv4TypeTimestampReply:
		return "tim_i"
	case layers.ICMPv4TypeTimeExceeded:
		return "urh_i"
	}
	return "oth_i"
}
