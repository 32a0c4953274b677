// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

/*Command bio-bam-gindex rebuilds the .gbai index of a BAM file written
  by bio-bam-build, for outputs built with -gbai=false or whose index
  was lost.  The BAM may be any path supported by grailbio/base/file;
  the index is written next to it unless -out is given.

  Usage: bio-bam-gindex [-byte-interval=8192] [-out=foo.bam.gbai] foo.bam
*/
package main
