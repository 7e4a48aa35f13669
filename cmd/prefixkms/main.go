// prefixkms enforces prefix-level KMS keys on S3 objects as they are written.
package main

func main() {
	Execute()
}
