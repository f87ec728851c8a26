package typedb

func ParseAddress(address string) (string, string) {
	return parseAddress(address)
}
