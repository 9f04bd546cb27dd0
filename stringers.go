// Code generated by hand following the go:generate stringer directive in definitions.go; keep in sync with it.

package fins

import "strconv"

func (x EtherType) String() string {
	switch x {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeWakeOnLAN:
		return "wake on LAN"
	case EtherTypeTRILL:
		return "TRILL"
	case EtherTypeDECnetPhase4:
		return "DECnetPhase4"
	case EtherTypeRARP:
		return "RARP"
	case EtherTypeAppleTalk:
		return "AppleTalk"
	case EtherTypeAARP:
		return "AARP"
	case EtherTypeIPX1:
		return "IPx1"
	case EtherTypeIPX2:
		return "IPx2"
	case EtherTypeQNXQnet:
		return "QNXQnet"
	case EtherTypeIPv6:
		return "IPv6"
	case EtherTypeEthernetFlowControl:
		return "EthernetFlowCtl"
	case EtherTypeIEEE802_3:
		return "IEEE802.3"
	case EtherTypeCobraNet:
		return "CobraNet"
	case EtherTypeMPLSUnicast:
		return "MPLS Unicast"
	case EtherTypeMPLSMulticast:
		return "MPLS Multicast"
	case EtherTypePPPoEDiscovery:
		return "PPPoE discovery"
	case EtherTypePPPoESession:
		return "PPPoE session"
	case EtherTypeJumboFrames:
		return "jumbo frames"
	case EtherTypeHomePlug1_0MME:
		return "home plug 1 0mme"
	case EtherTypeIEEE802_1X:
		return "IEEE 802.1x"
	case EtherTypePROFINET:
		return "profinet"
	case EtherTypeHyperSCSI:
		return "hyper SCSI"
	case EtherTypeAoE:
		return "AoE"
	case EtherTypeEtherCAT:
		return "EtherCAT"
	case EtherTypeEthernetPowerlink:
		return "Ethernet powerlink"
	case EtherTypeLLDP:
		return "LLDP"
	case EtherTypeSERCOS3:
		return "SERCOS3"
	case EtherTypeHomePlugAVMME:
		return "home plug AVMME"
	case EtherTypeMRP:
		return "MRP"
	case EtherTypeIEEE802_1AE:
		return "IEEE 802.1ae"
	case EtherTypeIEEE1588:
		return "IEEE 1588"
	case EtherTypeIEEE802_1ag:
		return "IEEE 802.1ag"
	case EtherTypeFCoE:
		return "FCoE"
	case EtherTypeFCoEInit:
		return "FCoE init"
	case EtherTypeRoCE:
		return "RoCE"
	case EtherTypeCTP:
		return "CTP"
	case EtherTypeVeritasLLT:
		return "Veritas LLT"
	case EtherTypeVLAN:
		return "VLAN"
	case EtherTypeServiceVLAN:
		return "service VLAN"
	default:
		return "EtherType(" + strconv.FormatUint(uint64(x), 10) + ")"
	}
}

func (x IPProto) String() string {
	switch x {
	case IPProtoHopByHop:
		return "IPv6 Hop-by-Hop Option [RFC8200]"
	case IPProtoICMP:
		return "Internet Control Message [RFC792]"
	case IPProtoIGMP:
		return "Internet Group Management [RFC1112]"
	case IPProtoGGP:
		return "Gateway-to-Gateway [RFC823]"
	case IPProtoIPv4:
		return "IPv4 encapsulation [RFC2003]"
	case IPProtoST:
		return "Stream [RFC1190, RFC1819]"
	case IPProtoTCP:
		return "Transmission Control [RFC793]"
	case IPProtoCBT:
		return "CBT [Ballardie]"
	case IPProtoEGP:
		return "Exterior Gateway Protocol [RFC888]"
	case IPProtoIGP:
		return "any private interior gateway (used by Cisco for their IGRP)"
	case IPProtoBBNRCCMON:
		return "BBN RCC Monitoring"
	case IPProtoNVP:
		return "Network Voice Protocol [RFC741]"
	case IPProtoPUP:
		return "PUP"
	case IPProtoARGUS:
		return "ARGUS"
	case IPProtoEMCON:
		return "EMCON"
	case IPProtoXNET:
		return "Cross Net Debugger"
	case IPProtoCHAOS:
		return "Chaos"
	case IPProtoUDP:
		return "User Datagram [RFC768]"
	case IPProtoMUX:
		return "Multiplexing"
	case IPProtoDCNMEAS:
		return "DCN Measurement Subsystems"
	case IPProtoHMP:
		return "Host Monitoring [RFC869]"
	case IPProtoPRM:
		return "Packet Radio Measurement"
	case IPProtoXNSIDP:
		return "XEROX NS IDP"
	case IPProtoTRUNK1:
		return "Trunk-1"
	case IPProtoTRUNK2:
		return "Trunk-2"
	case IPProtoLEAF1:
		return "Leaf-1"
	case IPProtoLEAF2:
		return "Leaf-2"
	case IPProtoRDP:
		return "Reliable Data Protocol [RFC908]"
	case IPProtoIRTP:
		return "Internet Reliable Transaction [RFC938]"
	case IPProtoISO_TP4:
		return "ISO Transport Protocol Class 4 [RFC905]"
	case IPProtoNETBLT:
		return "Bulk Data Transfer Protocol [RFC998]"
	case IPProtoMFE_NSP:
		return "MFE Network Services Protocol"
	case IPProtoMERIT_INP:
		return "MERIT Internodal Protocol"
	case IPProtoDCCP:
		return "Datagram Congestion Control Protocol [RFC4340]"
	case IPProto3PC:
		return "Third Party Connect Protocol"
	case IPProtoIDPR:
		return "Inter-Domain Policy Routing Protocol"
	case IPProtoXTP:
		return "XTP"
	case IPProtoDDP:
		return "Datagram Delivery Protocol"
	case IPProtoIDPRCMTP:
		return "IDPR Control Message Transport Proto"
	case IPProtoTPPLUSPLUS:
		return "TP++ Transport Protocol"
	case IPProtoIL:
		return "IL Transport Protocol"
	case IPProtoIPv6:
		return "IPv6 encapsulation [RFC2473]"
	case IPProtoSDRP:
		return "Source Demand Routing Protocol"
	case IPProtoIPv6Route:
		return "Routing Header for IPv6 [RFC8200]"
	case IPProtoIPv6Frag:
		return "Fragment Header for IPv6 [RFC8200]"
	case IPProtoIDRP:
		return "Inter-Domain Routing Protocol"
	case IPProtoRSVP:
		return "Reservation Protocol [RFC2205]"
	case IPProtoGRE:
		return "Generic Routing Encapsulation [RFC2784]"
	case IPProtoDSR:
		return "Dynamic Source Routing Protocol"
	case IPProtoBNA:
		return "BNA"
	case IPProtoESP:
		return "Encap Security Payload [RFC4303]"
	case IPProtoAH:
		return "Authentication Header [RFC4302]"
	case IPProtoINLSP:
		return "Integrated Net Layer Security TUBA"
	case IPProtoSWIPE:
		return "IP with Encryption"
	case IPProtoNARP:
		return "NBMA Address Resolution Protocol"
	case IPProtoMOBILE:
		return "IP Mobility"
	case IPProtoTLSP:
		return "Transport Layer Security Protocol using Kryptonet key management"
	case IPProtoSKIP:
		return "SKIP"
	case IPProtoIPv6ICMP:
		return "ICMP for IPv6 [RFC8200]"
	case IPProtoIPv6NoNxt:
		return "No Next Header for IPv6 [RFC8200]"
	case IPProtoIPv6Opts:
		return "Destination Options for IPv6 [RFC8200]"
	case IPProtoCFTP:
		return "CFTP"
	case IPProtoSATEXPAK:
		return "SATNET and Backroom EXPAK"
	case IPProtoKRYPTOLAN:
		return "Kryptolan"
	case IPProtoRVD:
		return "MIT Remote Virtual Disk Protocol"
	case IPProtoIPPC:
		return "Internet Pluribus Packet Core"
	case IPProtoSATMON:
		return "SATNET Monitoring"
	case IPProtoVISA:
		return "VISA Protocol"
	case IPProtoIPCV:
		return "Internet Packet Core Utility"
	case IPProtoCPNX:
		return "Computer Protocol Network Executive"
	case IPProtoCPHB:
		return "Computer Protocol Heart Beat"
	case IPProtoWSN:
		return "Wang Span Network"
	case IPProtoPVP:
		return "Packet Video Protocol"
	case IPProtoBRSATMON:
		return "Backroom SATNET Monitoring"
	case IPProtoSUNND:
		return "SUN ND PROTOCOL-Temporary"
	case IPProtoWBMON:
		return "WIDEBAND Monitoring"
	case IPProtoWBEXPAK:
		return "WIDEBAND EXPAK"
	case IPProtoISOIP:
		return "ISO Internet Protocol"
	case IPProtoVMTP:
		return "VMTP"
	case IPProtoSECUREVMTP:
		return "SECURE-VMTP"
	case IPProtoVINES:
		return "VINES"
	case IPProtoTTP:
		return "TTP"
	case IPProtoNSFNETIGP:
		return "NSFNET-IGP"
	case IPProtoDGP:
		return "Dissimilar Gateway Protocol"
	case IPProtoTCF:
		return "TCF"
	case IPProtoEIGRP:
		return "EIGRP"
	case IPProtoOSPFIGP:
		return "OSPFIGP"
	case IPProtoSpriteRPC:
		return "Sprite RPC Protocol"
	case IPProtoLARP:
		return "Locus Address Resolution Protocol"
	case IPProtoMTP:
		return "Multicast Transport Protocol"
	case IPProtoAX25:
		return "AX.25 Frames"
	case IPProtoIPIP:
		return "IP-within-IP Encapsulation Protocol"
	case IPProtoMICP:
		return "Mobile Internetworking Control Pro."
	case IPProtoSCCSP:
		return "Semaphore Communications Sec. Pro."
	case IPProtoETHERIP:
		return "Ethernet-within-IP Encapsulation"
	case IPProtoENCAP:
		return "Encapsulation Header"
	case IPProtoGMTP:
		return "GMTP"
	case IPProtoIFMP:
		return "Ipsilon Flow Management Protocol"
	case IPProtoPNNI:
		return "PNNI over IP"
	case IPProtoPIM:
		return "Protocol Independent Multicast"
	case IPProtoARIS:
		return "ARIS"
	case IPProtoSCPS:
		return "SCPS"
	case IPProtoQNX:
		return "QNX"
	case IPProtoAN:
		return "Active Networks"
	case IPProtoIPComp:
		return "IP Payload Compression Protocol"
	case IPProtoSNP:
		return "Sitara Networks Protocol"
	case IPProtoCompaqPeer:
		return "Compaq Peer Protocol"
	case IPProtoIPXInIP:
		return "IPX in IP"
	case IPProtoVRRP:
		return "Virtual Router Redundancy Protocol"
	case IPProtoPGM:
		return "PGM Reliable Transport Protocol"
	case IPProtoL2TP:
		return "Layer Two Tunneling Protocol v3"
	case IPProtoDDX:
		return "D-II Data Exchange (DDX)"
	case IPProtoIATP:
		return "Interactive Agent Transfer Protocol"
	case IPProtoSTP:
		return "Schedule Transfer Protocol"
	case IPProtoSRP:
		return "SpectraLink Radio Protocol"
	case IPProtoUTI:
		return "UTI"
	case IPProtoSMP:
		return "Simple Message Protocol"
	case IPProtoSM:
		return "SM"
	case IPProtoPTP:
		return "Performance Transparency Protocol"
	case IPProtoISIS:
		return "ISIS over IPv4"
	case IPProtoFIRE:
		return "FIRE"
	case IPProtoCRTP:
		return "Combat Radio Transport Protocol"
	case IPProtoCRUDP:
		return "Combat Radio User Datagram"
	case IPProtoSSCOPMCE:
		return "SSCOPMCE"
	case IPProtoIPLT:
		return "IPLT"
	case IPProtoSPS:
		return "Secure Packet Shield"
	case IPProtoPIPE:
		return "Private IP Encapsulation within IP"
	case IPProtoSCTP:
		return "Stream Control Transmission Protocol"
	case IPProtoFC:
		return "Fibre Channel"
	case IPProtoRSVP_E2E_IGNORE:
		return "RSVP-E2E-IGNORE"
	case IPProtoMobilityHeader:
		return "Mobility Header"
	case IPProtoUDPLite:
		return "UDPLite"
	case IPProtoMPLSInIP:
		return "MPLS-in-IP"
	case IPProtoMANET:
		return "MANET Protocols"
	case IPProtoHIP:
		return "Host Identity Protocol"
	case IPProtoShim6:
		return "Shim6 Protocol"
	case IPProtoWESP:
		return "Wrapped Encapsulating Security Payload"
	case IPProtoROHC:
		return "Robust Header Compression"
	case IPProtoEthernet:
		return "Ethernet"
	case IPProtoAGGFRAG:
		return "AGGFRAG Encapsulation payload for ESP"
	case IPProtoNSH:
		return "Network Service Header"
	default:
		return "IPProto(" + strconv.FormatUint(uint64(x), 10) + ")"
	}
}

func (x ARPOp) String() string {
	switch x {
	case ARPRequest:
		return "request"
	case ARPReply:
		return "reply"
	default:
		return "ARPOp(" + strconv.FormatUint(uint64(x), 10) + ")"
	}
}

